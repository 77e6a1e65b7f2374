package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/backlinkoo/linkwatch/internal/tracking"
	"github.com/backlinkoo/linkwatch/pkg/automation"
	"github.com/backlinkoo/linkwatch/pkg/notify"
	"github.com/backlinkoo/linkwatch/pkg/storage"
	"github.com/backlinkoo/linkwatch/pkg/upsell"
	"github.com/backlinkoo/linkwatch/pkg/usage"
	"github.com/backlinkoo/linkwatch/pkg/verify"
)

type Server struct {
	DB       *storage.DB
	Tracking *tracking.Service
	Engine   *verify.Engine
	Ctrl     *automation.Controller
	Tracker  *usage.Tracker
	Hub      *notify.Hub
	Prompts  *upsell.Prompter
	Log      *logrus.Logger
	Username string
	Password string
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/stats", s.basicAuth(s.handleStats))
	mux.HandleFunc("GET /api/resources", s.basicAuth(s.handleListResources))
	mux.HandleFunc("POST /api/resources", s.basicAuth(s.handleTrack))
	mux.HandleFunc("GET /api/resources/{id}", s.basicAuth(s.handleGetResource))
	mux.HandleFunc("POST /api/resources/{id}/verify", s.basicAuth(s.handleVerify))
	mux.HandleFunc("POST /api/resources/{id}/requeue", s.basicAuth(s.handleRequeue))
	mux.HandleFunc("DELETE /api/resources/{id}", s.basicAuth(s.handleRemove))
	mux.HandleFunc("GET /api/campaigns/{id}", s.basicAuth(s.handleCampaign))
	mux.HandleFunc("POST /api/campaigns/{id}/{action}", s.basicAuth(s.handleCampaignAction))
	mux.HandleFunc("GET /api/campaigns/{id}/report", s.basicAuth(s.handleReport))
	mux.HandleFunc("GET /api/usage/{user}", s.basicAuth(s.handleUsage))
	mux.HandleFunc("GET /api/audit", s.basicAuth(s.handleAudit))
	mux.HandleFunc("GET /api/prompts/{user}", s.basicAuth(s.handlePrompts))
	mux.HandleFunc("POST /api/prompts/{id}/respond", s.basicAuth(s.handleRespond))
	mux.HandleFunc("GET /api/events", s.basicAuth(s.handleEvents))

	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger().Infof("Starting server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logger() *logrus.Logger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Username == "" && s.Password == "" {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
