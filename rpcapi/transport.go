// Package rpcapi wires QueueService, EvaluationService, and the
// workers together over net/rpc using a msgpack codec, grounded on
// hashicorp/net-rpc-msgpackrpc/v2, the same wire format nomad pairs
// with net/rpc for its own internal traffic.
package rpcapi

import (
	"context"
	"net"
	"net/rpc"
	"time"

	"github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
)

// dialTimeout bounds how long a client spends establishing a TCP
// connection to a peer service before giving up.
const dialTimeout = 10 * time.Second

// Dial opens a TCP connection to addr and wraps it in a msgpack-RPC
// client, ready for *rpc.Client.Call.
func Dial(addr string) (*rpc.Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	return msgpackrpc.NewClient(conn), nil
}

// Serve accepts connections on ln forever, handing each to server using
// a msgpack-RPC server codec, until ctx is cancelled.
func Serve(ctx context.Context, log hclog.Logger, ln net.Listener, handle func(net.Conn)) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Error("accept failed", "error", err)
				return
			}
		}
		go handle(conn)
	}
}
