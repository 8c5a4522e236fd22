// Package server 暴露设备 WebSocket 入口与任务 HTTP 接口
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/connection"
	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"github.com/life-stream-dev/ghosttap-server/internal/orchestrator"
	"github.com/life-stream-dev/ghosttap-server/internal/session"
)

const ReasonShutdown = "server shutdown"

type Options struct {
	Addr         string
	Registry     *connection.Registry
	Sessions     *session.Store
	Orchestrator *orchestrator.Orchestrator
	// ReadLimit 单条消息上限，界面树可能较大
	ReadLimit int64
}

type Server struct {
	registry     *connection.Registry
	sessions     *session.Store
	orchestrator *orchestrator.Orchestrator
	readLimit    int64

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry:     opts.Registry,
		sessions:     opts.Sessions,
		orchestrator: opts.Orchestrator,
		readLimit:    opts.ReadLimit,
		ctx:          ctx,
		cancel:       cancel,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleDevice)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/tasks/{id}/history", s.handleGetHistory)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Serve 在给定 listener 上提供服务，直到 Invoke 被调用
func (s *Server) Serve(ln net.Listener) error {
	logger.InfoF("GhostTap Server Listen On %s", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Invoke 关闭所有设备连接并停止 HTTP 服务，等待正在处理的快照结束
func (s *Server) Invoke(ctx context.Context) error {
	logger.InfoF("Shutting down server")
	s.cancel()
	s.registry.CloseAll(ReasonShutdown)
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}
