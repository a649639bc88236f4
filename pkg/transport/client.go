package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"clusterstore.io/core/pkg/wire"
)

type clientState int

const (
	stateDisconnected clientState = iota
	stateHandshaking
	stateConnected
)

// request is one caller's queued ask: the message to send and the
// one-shot channel its eventual business reply (delivered out-of-band
// via the reply listener) is posted to.
type request struct {
	msg     wire.Message
	replyCh chan wire.Message
}

// Client is the resilient client state machine of spec.md §4.1: strict
// FIFO over queued messages, at most one request in flight, automatic
// reconnect with requeue-at-head on ack timeout, and voluntary
// disconnect after MaxIdleTime idle.
type Client struct {
	log        *zap.Logger
	cfg        Config
	serverAddr string
	clientTag  string

	replyListener net.Listener
	replyAddr     string

	enqueue chan request
	halt    chan struct{}
	done    chan struct{}

	waitersMu sync.Mutex
	waiters   map[string]chan wire.Message
}

// NewClient dials no sockets yet; it only binds the reply listener
// clients need before they can advertise a reply address. Call Run to
// drive the connection state machine.
func NewClient(log *zap.Logger, cfg Config, serverAddr, clientTag, replyBindAddr string) (*Client, error) {
	l, err := net.Listen("tcp", replyBindAddr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	c := &Client{
		log:           log,
		cfg:           cfg,
		serverAddr:    serverAddr,
		clientTag:     clientTag,
		replyListener: l,
		replyAddr:     l.Addr().String(),
		enqueue:       make(chan request),
		halt:          make(chan struct{}),
		done:          make(chan struct{}),
		waiters:       map[string]chan wire.Message{},
	}
	go c.serveReplies()
	return c, nil
}

// ReplyAddress returns the address this client advertises in
// outgoing requests for the server to post business replies to.
func (c *Client) ReplyAddress() string { return c.replyAddr }

// QueueMessageForSend implements spec.md §4.1's
// queue_message_for_send(control, body): it fills in message-id and
// client-tag if absent, always sets reply-address to this client's
// reply address, enqueues the message behind
// any already-queued request, and returns a one-shot channel the reply
// will arrive on.
func (c *Client) QueueMessageForSend(ctx context.Context, control wire.Control, body [][]byte) (<-chan wire.Message, error) {
	if control.MessageID == "" {
		control.MessageID = wire.NewMessageID()
	}
	if control.ClientTag == "" {
		control.ClientTag = c.clientTag
	}
	control.Set("reply-address", c.replyAddr)

	replyCh := make(chan wire.Message, 1)
	c.waitersMu.Lock()
	c.waiters[control.MessageID] = replyCh
	c.waitersMu.Unlock()

	req := request{msg: wire.Message{Control: control, Body: body}, replyCh: replyCh}

	select {
	case c.enqueue <- req:
		return replyCh, nil
	case <-ctx.Done():
		return nil, Error.Wrap(ctx.Err())
	case <-c.done:
		return nil, Error.New("client stopped")
	}
}

// Close halts the run loop and closes the reply listener.
func (c *Client) Close() error {
	close(c.halt)
	<-c.done
	return Error.Wrap(c.replyListener.Close())
}

func (c *Client) serveReplies() {
	for {
		conn, err := c.replyListener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer func() { _ = conn.Close() }()
			msg, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			c.waitersMu.Lock()
			ch, ok := c.waiters[msg.Control.MessageID]
			if ok {
				delete(c.waiters, msg.Control.MessageID)
			}
			c.waitersMu.Unlock()
			if ok {
				ch <- msg
			}
		}()
	}
}

// Run drives the client's connection state machine until ctx is
// cancelled or Close is called. It enforces the contract design note
// §9 insists on preserving exactly: one queue, one in-flight slot, no
// pipelining.
func (c *Client) Run(ctx context.Context) {
	defer close(c.done)

	var (
		state        = stateDisconnected
		conn         net.Conn
		queue        []request
		current      *request
		ackCh        = make(chan wire.Message)
		connReadDone chan struct{}
	)

	disconnect := func() {
		if conn != nil {
			_ = conn.Close()
			conn = nil
		}
		if connReadDone != nil {
			<-connReadDone
			connReadDone = nil
		}
		state = stateDisconnected
	}
	defer disconnect()

	idleTimer := time.NewTimer(c.cfg.MaxIdleTime)
	defer idleTimer.Stop()
	ackTimer := time.NewTimer(time.Hour)
	ackTimer.Stop()
	defer ackTimer.Stop()
	handshakeTimer := time.NewTimer(0)
	defer handshakeTimer.Stop()

	readAcks := func(conn net.Conn, done chan struct{}) {
		defer close(done)
		for {
			msg, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			select {
			case ackCh <- msg:
			case <-c.halt:
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.halt:
			// halt_event set: run returns with no further scheduling; teardown
			// closes sockets via the deferred disconnect above.
			return

		case req := <-c.enqueue:
			queue = append(queue, req)

		case <-handshakeTimer.C:
			if state != stateDisconnected {
				continue
			}
			newConn, err := net.DialTimeout("tcp", c.serverAddr, 10*time.Second)
			if err != nil {
				c.log.Debug("handshake dial failed", zap.Error(err))
				handshakeTimer.Reset(c.cfg.HandshakeRetryInterval)
				continue
			}
			state = stateHandshaking
			hsID := wire.NewMessageID()
			hs := wire.Message{Control: wire.Control{
				MessageType: wire.VerbHandshake,
				MessageID:   hsID,
				ClientTag:   c.clientTag,
			}}
			// The handshake round trip runs synchronously in the run loop,
			// so it carries its own deadline: a peer that accepts the dial
			// but never acks must not be able to wedge the whole state
			// machine behind a blocking read.
			_ = newConn.SetDeadline(time.Now().Add(10 * time.Second))
			if err := wire.WriteMessage(newConn, hs); err != nil {
				_ = newConn.Close()
				state = stateDisconnected
				handshakeTimer.Reset(c.cfg.HandshakeRetryInterval)
				continue
			}
			ack, err := wire.ReadMessage(newConn)
			if err != nil || ack.Control.String("acked-message-id") != hsID {
				_ = newConn.Close()
				state = stateDisconnected
				handshakeTimer.Reset(c.cfg.HandshakeRetryInterval)
				continue
			}
			_ = newConn.SetDeadline(time.Time{})
			conn = newConn
			state = stateConnected
			connReadDone = make(chan struct{})
			go readAcks(conn, connReadDone)
			idleTimer.Reset(c.cfg.MaxIdleTime)

		case msg := <-ackCh:
			if current == nil || msg.Control.String("acked-message-id") != current.msg.Control.MessageID {
				c.log.Warn("unexpected ack, dropping", zap.String("message-id", msg.Control.String("acked-message-id")))
				continue
			}
			ackTimer.Stop()
			current = nil
			idleTimer.Reset(c.cfg.MaxIdleTime)

		case <-ackTimer.C:
			c.log.Warn("ack timeout, disconnecting and requeueing", zap.String("server", c.serverAddr))
			disconnect()
			if current != nil {
				queue = append([]request{*current}, queue...)
				current = nil
			}
			handshakeTimer.Reset(c.cfg.HandshakeRetryInterval)

		case <-idleTimer.C:
			if state == stateConnected && current == nil && len(queue) == 0 {
				c.log.Debug("idle timeout, disconnecting voluntarily")
				disconnect()
			} else {
				idleTimer.Reset(c.cfg.MaxIdleTime)
			}
		}

		// Advance the head-of-line request once connected and idle.
		if state == stateConnected && current == nil && len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			if err := wire.WriteMessage(conn, next.msg); err != nil {
				disconnect()
				queue = append([]request{next}, queue...)
				handshakeTimer.Reset(c.cfg.HandshakeRetryInterval)
				continue
			}
			current = &next
			ackTimer.Reset(c.cfg.AckTimeout)
		}
	}
}
