// Package ws is a thin gobwas/ws binding: it accepts TCP connections,
// upgrades them, and shuttles framed JSON messages between the socket
// and the dispatcher, adapted from go-server-3's accept/read/write pump
// split but without its sharded broadcast hub (see registry.go).
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sylphxai/lens/internal/config"
	"github.com/sylphxai/lens/internal/engine"
	"github.com/sylphxai/lens/internal/graph"
	"github.com/sylphxai/lens/internal/metrics"
	"github.com/sylphxai/lens/internal/reconnect"
	"github.com/sylphxai/lens/internal/resolver"
)

// Server handles TCP listening and WebSocket upgrades for one Lens
// instance.
type Server struct {
	cfg        config.Config
	logger     *zap.Logger
	graph      *graph.Manager
	dispatcher *dispatcher
	metrics    *metrics.Registry

	registry *registry
	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(cfg config.Config, logger *zap.Logger, g *graph.Manager, eng *engine.Engine, resolvers *resolver.Registry, rc *reconnect.Resolver, metricsRegistry *metrics.Registry) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		graph:      g,
		dispatcher: newDispatcher(eng, resolvers, rc, logger),
		metrics:    metricsRegistry,
		registry:   newRegistry(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("transport listening", zap.String("addr", addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

// ConnectionCount reports the number of live connections, for a health
// endpoint.
func (s *Server) ConnectionCount() int {
	return s.registry.count()
}

func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(parent context.Context, netConn net.Conn) {
	defer netConn.Close()

	if err := netConn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		s.logger.Debug("set deadline", zap.Error(err))
	}

	if _, err := ws.Upgrade(netConn); err != nil {
		if s.metrics != nil {
			s.metrics.AcceptErrors.Inc()
		}
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	_ = netConn.SetDeadline(time.Time{})

	clientID := uuid.NewString()
	conn := newConnection(clientID, netConn, s.cfg.WebSocket.SendChannelSize)
	s.registry.add(conn)
	s.graph.AddClient(clientID, conn.sendUpdate)
	if s.metrics != nil {
		s.metrics.ActiveConnections.Inc()
	}

	defer func() {
		s.graph.RemoveClient(clientID)
		s.registry.remove(clientID)
		conn.cancelAll()
		if s.metrics != nil {
			s.metrics.ActiveConnections.Dec()
		}
	}()

	connCtx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(connCtx, conn, netConn)
	}()

	s.readLoop(connCtx, conn, netConn)
	cancel()
	<-done
}

func (s *Server) readLoop(ctx context.Context, conn *Connection, netConn net.Conn) {
	reader := wsutil.NewReader(netConn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read frame error", zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(netConn, ws.OpClose, nil)
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(netConn, ws.OpPong, nil); err != nil {
				s.logger.Debug("write pong error", zap.Error(err))
				return
			}
		case ws.OpText, ws.OpBinary:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.logger.Debug("read message data error", zap.Error(err))
				return
			}
			if s.metrics != nil {
				s.metrics.MessagesDelivered.Inc()
			}
			s.dispatcher.handle(ctx, conn, payload)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				s.logger.Debug("drain frame data error", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *Connection, netConn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-conn.SendQueue:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(netConn, ws.OpText, payload); err != nil {
				s.logger.Debug("write message error", zap.Error(err))
				return
			}
		}
	}
}
