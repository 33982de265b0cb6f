// Package config loads judgecore's runtime configuration from a
// layered source: defaults, an optional env file parsed with
// hashicorp/go-envparse, then command-line flags — the last source
// wins. Process environment variables are not read. This mirrors the
// layering nomad's agent command applies to its own config, adapted to
// judgecore's much smaller surface.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/hashicorp/go-envparse"
)

// Config holds everything a judgecore service binary needs to start.
type Config struct {
	// ListenAddr is the host:port this service's RPC server binds to.
	ListenAddr string
	// QueueServiceAddr is where EvaluationService finds QueueService.
	QueueServiceAddr string
	// EvaluationServiceAddrs lists every EvaluationService shard
	// QueueService can deliver results to (spec.md §4.2 "random_service").
	EvaluationServiceAddrs []string
	// WorkerAddrs lists every worker QueueService's pool should manage.
	WorkerAddrs []string
	// LogLevel controls hclog verbosity ("trace".."error").
	LogLevel string
	// EnvFile, if set, is parsed with go-envparse before flags are
	// applied, letting operators check a config file into their deploy
	// repo instead of threading flags through a process supervisor.
	EnvFile string
}

// Default returns a Config with judgecore's baked-in defaults.
func Default() Config {
	return Config{
		ListenAddr:       ":9000",
		QueueServiceAddr: "127.0.0.1:9000",
		LogLevel:         "info",
	}
}

// Load parses args (typically os.Args[1:]) into a Config layered over
// Default(), applying EnvFile if given; flags set explicitly on the
// command line override values from EnvFile.
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("judgecore", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address this service's RPC server binds to")
	fs.StringVar(&cfg.QueueServiceAddr, "queue-service", cfg.QueueServiceAddr, "address of QueueService")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "hclog level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.EnvFile, "env-file", "", "optional env file to load configuration from")
	evaluationAddrs := fs.String("evaluation-services", "", "comma-separated EvaluationService addresses")
	workerAddrs := fs.String("workers", "", "comma-separated worker addresses")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.EnvFile != "" {
		flagged := cfg
		if err := applyEnvFile(&cfg, cfg.EnvFile); err != nil {
			return Config{}, fmt.Errorf("config: load env file %s: %w", cfg.EnvFile, err)
		}
		// Flags given explicitly on the command line win over the env file.
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "listen":
				cfg.ListenAddr = flagged.ListenAddr
			case "queue-service":
				cfg.QueueServiceAddr = flagged.QueueServiceAddr
			case "log-level":
				cfg.LogLevel = flagged.LogLevel
			}
		})
	}

	if *evaluationAddrs != "" {
		cfg.EvaluationServiceAddrs = splitCSV(*evaluationAddrs)
	}
	if *workerAddrs != "" {
		cfg.WorkerAddrs = splitCSV(*workerAddrs)
	}

	return cfg, nil
}

func applyEnvFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	env, err := envparse.Parse(f)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	if v, ok := env["JUDGECORE_LISTEN_ADDR"]; ok {
		cfg.ListenAddr = v
	}
	if v, ok := env["JUDGECORE_QUEUE_SERVICE_ADDR"]; ok {
		cfg.QueueServiceAddr = v
	}
	if v, ok := env["JUDGECORE_LOG_LEVEL"]; ok {
		cfg.LogLevel = v
	}
	if v, ok := env["JUDGECORE_EVALUATION_SERVICE_ADDRS"]; ok {
		cfg.EvaluationServiceAddrs = splitCSV(v)
	}
	if v, ok := env["JUDGECORE_WORKER_ADDRS"]; ok {
		cfg.WorkerAddrs = splitCSV(v)
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
