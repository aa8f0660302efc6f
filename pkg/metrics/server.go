package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
)

type Server struct {
	cfg    etc.Metrics
	server *http.Server
}

func NewServer(cfg etc.Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, promhttp.Handler())
	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:    cfg.Addr,
			Handler: mux,
		},
	}
}

// ListenAndServe serves metrics in the background. A listener error other
// than a regular shutdown is fatal.
func (s *Server) ListenAndServe() {
	go func() {
		log.WithField("addr", s.cfg.Addr).Debug("Starting metrics server")
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Metrics server failed")
		}
		log.Trace("Metrics server stopped listening for incoming connections")
	}()
}

func (s *Server) Shutdown(ctx context.Context) {
	log.Trace("Metrics server shutdown started")
	if err := s.server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Error while shutting down metrics server")
	}
	log.Trace("Metrics server shutdown completed")
}
