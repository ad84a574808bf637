package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/acme/voice-agent-platform/internal/config"
	"github.com/acme/voice-agent-platform/pkg/logger"
)

// Server hosts the media-stream endpoint on its own HTTP listener, separate
// from the control API. WebSocket upgrades need the raw net/http stack.
type Server struct {
	httpSrv *http.Server
	cfg     config.MediaConfig
	log     *logger.Logger
}

// NewServer mounts the stream handler at the configured path and a liveness
// probe at /healthz.
func NewServer(cfg config.MediaConfig, handler *Handler, log *logger.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		httpSrv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		cfg: cfg,
		log: log.Named("mediaserver"),
	}
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("media server listening",
		zap.String("addr", s.httpSrv.Addr),
		zap.String("path", s.cfg.Path),
	)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("media server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight streams up to
// the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
