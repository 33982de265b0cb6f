// Package telemetry wires up github.com/hashicorp/go-metrics the way
// nomad's own telemetry setup does: a process-wide *metrics.Metrics
// sink, with helpers judgecore's services call to record the counters
// and timers spec.md §8's properties care about (queue depth, batch
// size, worker utilization).
package telemetry

import (
	"time"

	gometrics "github.com/hashicorp/go-metrics"
)

// Setup installs an in-memory sink as the process-wide default and
// returns it, so a command's main() can also expose it over an
// /debug/metrics endpoint if desired.
func Setup(serviceName string) *gometrics.InmemSink {
	sink := gometrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := gometrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	gometrics.NewGlobal(cfg, sink)
	return sink
}

// QueueDepth records the current number of operations sitting in the
// priority queue.
func QueueDepth(n int) {
	gometrics.SetGauge([]string{"queue", "depth"}, float32(n))
}

// BatchSize records the size of a batch just dispatched to a worker.
func BatchSize(n int) {
	gometrics.AddSample([]string{"queue", "batch_size"}, float32(n))
}

// WorkerAcquired increments a counter every time a batch is handed to a
// worker, tagged by shard so per-worker throughput is visible.
func WorkerAcquired(shard int) {
	gometrics.IncrCounterWithLabels([]string{"worker", "acquired"}, 1,
		[]gometrics.Label{{Name: "shard", Value: itoa(shard)}})
}

// OperationLatency records how long an operation spent from enqueue to
// result delivery.
func OperationLatency(kind string, d time.Duration) {
	gometrics.MeasureSinceWithLabels([]string{"operation", "latency"}, time.Now().Add(-d),
		[]gometrics.Label{{Name: "type", Value: kind}})
}

// ResultDiscarded counts results dropped because no EvaluationService
// was reachable (spec.md §7 "result will be discarded").
func ResultDiscarded() {
	gometrics.IncrCounter([]string{"queue", "result_discarded"}, 1)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
