// Copyright (C) 2026 Clusterstore authors.
// See LICENSE for copying information.

package transport_test

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"clusterstore.io/core/pkg/transport"
	"clusterstore.io/core/pkg/wire"
)

func echoHandler(ctx context.Context, msg wire.Message) (*wire.Message, error) {
	return &wire.Message{Control: wire.Control{
		MessageType: msg.Control.MessageType + "-reply",
		MessageID:   wire.NewMessageID(),
		ClientTag:   msg.Control.ClientTag,
		Result:      wire.ResultSuccess,
	}, Body: msg.Body}, nil
}

func startServer(t *testing.T) *transport.Server {
	t.Helper()
	log := zaptest.NewLogger(t)
	srv := transport.NewServer(log, echoHandler, nil)
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		wg.Wait()
	})
	return srv
}

func startClient(t *testing.T, cfg transport.Config, serverAddr string) (*transport.Client, context.CancelFunc) {
	t.Helper()
	log := zaptest.NewLogger(t)
	cli, err := transport.NewClient(log, cfg, serverAddr, "client-tag-1", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go cli.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = cli.Close()
	})
	return cli, cancel
}

func TestClientServerRoundTrip(t *testing.T) {
	srv := startServer(t)
	cli, _ := startClient(t, transport.DefaultConfig(), srv.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	replyCh, err := cli.QueueMessageForSend(ctx, wire.Control{MessageType: "archive-key-entire"}, [][]byte{[]byte("payload")})
	require.NoError(t, err)

	select {
	case reply := <-replyCh:
		require.Equal(t, wire.ResultSuccess, reply.Control.Result)
		require.Equal(t, "archive-key-entire-reply", reply.Control.MessageType)
		require.Equal(t, [][]byte{[]byte("payload")}, reply.Body)
	case <-ctx.Done():
		t.Fatal("timed out waiting for reply")
	}
}

func TestClientStrictFIFOOneInFlight(t *testing.T) {
	srv := startServer(t)
	cli, _ := startClient(t, transport.DefaultConfig(), srv.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 5
	chans := make([]<-chan wire.Message, n)
	for i := 0; i < n; i++ {
		ch, err := cli.QueueMessageForSend(ctx, wire.Control{MessageType: "archive-key-entire"}, nil)
		require.NoError(t, err)
		chans[i] = ch
	}

	for i := 0; i < n; i++ {
		select {
		case reply := <-chans[i]:
			require.Equal(t, wire.ResultSuccess, reply.Control.Result)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for reply %d", i)
		}
	}
}

// TestClientNoReplyFromSilentPeer checks a peer that accepts the
// connection but never writes a byte back: the client dials it, sits in
// its handshake (which has a 10-second deadline), never gets to send the
// queued request, and so delivers no reply.
func TestClientNoReplyFromSilentPeer(t *testing.T) {
	log := zaptest.NewLogger(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var accepted int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&accepted, 1)
			// Accept the connection but never write a byte back: every
			// handshake and every request times out against this peer.
			go func() {
				buf := make([]byte, 4096)
				for {
					if _, err := conn.Read(buf); err != nil {
						_ = conn.Close()
						return
					}
				}
			}()
		}
	}()

	cfg := transport.Config{
		HandshakeRetryInterval: 50 * time.Millisecond,
		AckTimeout:             100 * time.Millisecond,
		MaxIdleTime:            time.Hour,
	}

	cli, err := transport.NewClient(log, cfg, ln.Addr().String(), "client-tag-2", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cli.Run(ctx)
	defer func() { _ = cli.Close() }()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	replyCh, err := cli.QueueMessageForSend(reqCtx, wire.Control{MessageType: "archive-key-entire"}, nil)
	require.NoError(t, err)

	select {
	case <-replyCh:
		t.Fatal("expected no reply from a peer that never handshakes")
	case <-time.After(300 * time.Millisecond):
		// No reply, as expected: the client is still waiting for the
		// handshake ack and never reaches the connected state.
	}

	require.GreaterOrEqual(t, atomic.LoadInt32(&accepted), int32(1))
}
