package transport

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"clusterstore.io/core/pkg/wire"
)

// Handler processes one decoded business message (after its ack has
// already been sent) and returns the reply to post to the client's
// reply address. A nil reply suppresses the business reply entirely
// (e.g. because the handler will reply asynchronously through some
// other path).
type Handler func(ctx context.Context, msg wire.Message) (*wire.Message, error)

// ReplyPoster delivers a business reply to a client's reply address.
// It is a thin abstraction so tests can intercept delivery.
type ReplyPoster interface {
	Post(ctx context.Context, replyAddr string, msg wire.Message) error
}

// DialReplyPoster posts replies by dialing out to the reply address
// fresh for every message, matching the fan-in reply-channel shape of
// spec.md §4.1 ("every process binds one receive socket at a
// well-known address").
type DialReplyPoster struct{}

// Post dials replyAddr and writes msg.
func (DialReplyPoster) Post(ctx context.Context, replyAddr string, msg wire.Message) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", replyAddr)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = conn.Close() }()
	return wire.WriteMessage(conn, msg)
}

// Server is the request/ack side of the resilient transport: it
// accepts connections, immediately acks every request, deduplicates
// handshakes, and dispatches business messages to a Handler.
type Server struct {
	log     *zap.Logger
	handler Handler
	poster  ReplyPoster

	listener net.Listener

	mu               sync.Mutex
	seenClientTags   map[string]bool
	wg               sync.WaitGroup
}

// NewServer returns a Server that dispatches non-handshake messages to
// handler and posts their business replies via poster.
func NewServer(log *zap.Logger, handler Handler, poster ReplyPoster) *Server {
	if poster == nil {
		poster = DialReplyPoster{}
	}
	return &Server{
		log:            log,
		handler:        handler,
		poster:         poster,
		seenClientTags: map[string]bool{},
	}
}

// Listen binds addr as the request/ack socket.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return Error.Wrap(err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound listener address, for tests that listen on
// ":0".
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop — the "pollster" multiplexing readiness
// across every inbound connection — until ctx is cancelled or the
// listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return Error.Wrap(err)
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return Error.Wrap(s.listener.Close())
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}

		if msg.Control.MessageType == wire.VerbHandshake {
			s.handleHandshake(conn, msg)
			continue
		}

		// (a) immediately emit the ack — distinct from the business reply.
		ack := wire.Message{Control: wire.Control{
			MessageType: wire.VerbAck,
			MessageID:   wire.NewMessageID(),
			ClientTag:   msg.Control.ClientTag,
			Fields:      map[string]interface{}{"acked-message-id": msg.Control.MessageID},
		}}
		if err := wire.WriteMessage(conn, ack); err != nil {
			return
		}

		// (b)/(c) dispatch to the handler and post the reply out-of-band.
		s.wg.Add(1)
		go s.dispatch(ctx, msg)
	}
}

func (s *Server) handleHandshake(conn net.Conn, msg wire.Message) {
	s.mu.Lock()
	duplicate := s.seenClientTags[msg.Control.ClientTag]
	s.seenClientTags[msg.Control.ClientTag] = true
	s.mu.Unlock()

	if duplicate {
		s.log.Debug("duplicate handshake", zap.String("client-tag", msg.Control.ClientTag))
	}

	ack := wire.Message{Control: wire.Control{
		MessageType: wire.VerbAck,
		MessageID:   wire.NewMessageID(),
		ClientTag:   msg.Control.ClientTag,
		Fields:      map[string]interface{}{"acked-message-id": msg.Control.MessageID},
	}}
	_ = wire.WriteMessage(conn, ack)
}

func (s *Server) dispatch(ctx context.Context, msg wire.Message) {
	defer s.wg.Done()

	reply, err := s.handler(ctx, msg)
	if err != nil {
		s.log.Error("handler failed", zap.Error(err), zap.String("message-type", msg.Control.MessageType))
		reply = &wire.Message{Control: wire.Control{
			MessageType: msg.Control.MessageType + "-reply",
			MessageID:   wire.NewMessageID(),
			ClientTag:   msg.Control.ClientTag,
			Result:      wire.ResultException,
			ErrorMsg:    err.Error(),
		}}
	}
	if reply == nil {
		return
	}

	replyAddr := msg.Control.String("reply-address")
	if replyAddr == "" {
		s.log.Error("no reply address on message", zap.String("message-type", msg.Control.MessageType))
		return
	}
	if err := s.poster.Post(ctx, replyAddr, *reply); err != nil {
		s.log.Error("failed to post reply", zap.Error(err), zap.String("reply-address", replyAddr))
	}
}
