// Package stream serves the client protocol over TCP as newline-delimited
// JSON: clients send subscribe/update_preferences/ack actions, the engine
// pushes batch/gap/overflow messages back on the same connection.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"beacon/internal/subscribe"
	"beacon/internal/transport"
	"beacon/pkg/logx"
)

type Config struct {
	Network      string // "tcp" or "unix"
	Address      string
	MaxLineBytes int
	WriteTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 1 << 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Handler is the engine surface the server drives. Kept as an interface so
// protocol tests run against a fake.
type Handler interface {
	Subscribe(ctx context.Context, msg transport.ClientMessage, conn transport.Conn) error
	UpdatePreferences(clientID string, spec subscribe.FilterSpec) error
	Ack(ctx context.Context, clientID string, seq uint64) error
	Disconnect(clientID string)
}

type Server struct {
	cfg     Config
	handler Handler
	log     logx.Logger

	ln     net.Listener
	addr   atomic.Value
	closed atomic.Bool
	wg     sync.WaitGroup
}

func NewServer(cfg Config, handler Handler, log logx.Logger) *Server {
	cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, handler: handler, log: log.With(logx.String("comp", "stream"))}
}

// Addr reports the bound listen address (useful with ":0" in tests).
func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Listen binds the configured address. Call before Serve.
func (s *Server) Listen() error {
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return err
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.Info("listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Serve accepts connections until ctx is canceled or Close is called.
// It blocks; run it under a supervisor next to the other surfaces.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("stream: Serve called before Listen")
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

// serveConn runs one connection's read loop. The write side belongs to the
// session send loop via the clientConn handed to the engine on subscribe.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	cc := newClientConn(nc, s.cfg.WriteTimeout)
	defer func() { _ = cc.Close() }()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 64*1024), s.cfg.MaxLineBytes)

	clientID := ""
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg transport.ClientMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			cc.sendError(ctx, "malformed message")
			continue
		}
		if err := s.dispatch(ctx, &clientID, msg, cc); err != nil {
			cc.sendError(ctx, err.Error())
		}
	}

	// EOF or read error: transport loss. The session survives in grace.
	if clientID != "" {
		s.handler.Disconnect(clientID)
	}
}

func (s *Server) dispatch(ctx context.Context, clientID *string, msg transport.ClientMessage, cc *clientConn) error {
	switch msg.Action {
	case transport.ActionSubscribe:
		if strings.TrimSpace(msg.ClientID) == "" {
			return errors.New("subscribe requires client_id")
		}
		if err := s.handler.Subscribe(ctx, msg, cc); err != nil {
			return err
		}
		*clientID = msg.ClientID
		return nil
	case transport.ActionUpdatePreferences:
		if *clientID == "" {
			return errors.New("update_preferences before subscribe")
		}
		if msg.FilterSpec == nil {
			return errors.New("update_preferences requires filter_spec")
		}
		return s.handler.UpdatePreferences(*clientID, *msg.FilterSpec)
	case transport.ActionAck:
		if *clientID == "" {
			return errors.New("ack before subscribe")
		}
		return s.handler.Ack(ctx, *clientID, msg.LastAckedSequence)
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}

// clientConn is the transport.Conn the engine writes to. A mutex guards the
// socket because sendError (read loop) and Send (session send loop) can race.
type clientConn struct {
	mu           sync.Mutex
	nc           net.Conn
	enc          *json.Encoder
	writeTimeout time.Duration
	closed       atomic.Bool
}

func newClientConn(nc net.Conn, writeTimeout time.Duration) *clientConn {
	return &clientConn{nc: nc, enc: json.NewEncoder(nc), writeTimeout: writeTimeout}
}

func (c *clientConn) Send(ctx context.Context, msg transport.ServerMessage) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.nc.SetWriteDeadline(deadline)
	// json.Encoder terminates every value with '\n': exactly the framing the
	// protocol wants.
	return c.enc.Encode(msg)
}

func (c *clientConn) sendError(ctx context.Context, reason string) {
	_ = c.Send(ctx, transport.ServerMessage{Type: transport.TypeError, Reason: reason})
}

func (c *clientConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.nc.Close()
}
