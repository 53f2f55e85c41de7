package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/GreeFine/ferrixcel/store"
)

// Server 组装协调器、HTTP 服务与周期任务
type Server struct {
	cfg   Config
	coord *Coordinator
	sched *Scheduler
	http  *http.Server
	log   *zap.SugaredLogger
}

func New(cfg Config, st store.Store, log *zap.SugaredLogger) (*Server, error) {
	coord := NewCoordinator(st,
		WithLogger(log),
		WithUniqueUsernames(cfg.Session.UniqueUsernames),
		WithStoreTimeout(cfg.Store.Timeout),
	)
	sched, err := NewScheduler(coord, cfg, log)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:   cfg,
		coord: coord,
		sched: sched,
		http:  &http.Server{Addr: cfg.Server.Addr, Handler: NewMux(coord, cfg.Server, log)},
		log:   log,
	}, nil
}

func (s *Server) Coordinator() *Coordinator { return s.coord }
func (s *Server) Handler() http.Handler     { return s.http.Handler }

// Serve 在 ln 上提供服务直到 ctx 结束，然后优雅关闭
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.sched.Start()
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("ferrixcel listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return multierr.Append(err, s.Close(context.Background()))
	case <-ctx.Done():
	}
	s.log.Info("Shutting down...")
	return s.Close(context.Background())
}

// ListenAndServe 监听配置地址
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Close 依次关闭 HTTP、WebSocket 会话、调度器与存储，汇总所有错误
func (s *Server) Close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.WriteWait)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	s.coord.Shutdown()
	err = multierr.Append(err, s.sched.Stop(shutdownCtx))
	return multierr.Append(err, s.coord.Store().Close())
}
