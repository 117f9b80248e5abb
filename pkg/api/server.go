// SPDX-FileCopyrightText: Copyright 2025 Quillsign, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the HTTP surface of the signing service.
package api

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/quillsign/quill/pkg/api/response"
	"github.com/quillsign/quill/pkg/api/scheduler"
	v1 "github.com/quillsign/quill/pkg/api/v1"
	"github.com/quillsign/quill/pkg/audit"
	"github.com/quillsign/quill/pkg/auth/admin"
	"github.com/quillsign/quill/pkg/auth/oidc"
	"github.com/quillsign/quill/pkg/config"
	"github.com/quillsign/quill/pkg/errors"
	"github.com/quillsign/quill/pkg/keystore"
	"github.com/quillsign/quill/pkg/logger"
	"github.com/quillsign/quill/pkg/ratelimit"
	"github.com/quillsign/quill/pkg/signer"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// timeNow is replaceable in tests.
var timeNow = time.Now

// Deps are the wired components the server routes requests to.
type Deps struct {
	Config       *config.Config
	Verifier     *oidc.Verifier
	AdminChecker *admin.Checker

	// Limiter holds the per-identity signing buckets; AdminLimiter holds
	// the per-IP admin buckets.
	Limiter      ratelimit.Limiter
	AdminLimiter ratelimit.Limiter

	Keys      keystore.Store
	Signer    *signer.Signer
	Audit     audit.Store
	Scheduler scheduler.Scheduler
}

// Server is the HTTP server of the signing service.
type Server struct {
	srv *http.Server
}

// NewServer builds the router and the HTTP server around it.
func NewServer(deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(
		RequestID,
		chimiddleware.RealIP,
		SecurityHeaders,
		CORS(deps.Config.AllowedOrigins),
		RequestLogger,
		Recoverer,
	)

	// Unknown routes and methods get the same JSON envelope as real errors.
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		response.WriteError(w, req, errors.New(errors.CodeNotFound, "Not found", nil))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		response.WriteError(w, req, errors.New(errors.CodeNotFound, "Not found", nil))
	})

	// Counting keys exercises the same path signing depends on, not just
	// the Redis connection.
	r.Mount("/health", v1.HealthRouter(map[string]v1.HealthCheck{
		"keyStorage": func(ctx context.Context) error {
			_, err := deps.Keys.Count(ctx)
			return err
		},
		"database": deps.Audit.Ping,
	}))
	r.Mount("/public-key", v1.PublicKeyRouter(deps.Keys))

	r.Group(func(g chi.Router) {
		g.Use(BearerAuth(deps.Verifier))
		g.Mount("/sign", v1.SignRouter(&v1.SignDeps{
			Limiter:      deps.Limiter,
			Keys:         deps.Keys,
			Signer:       deps.Signer,
			Audit:        deps.Audit,
			Scheduler:    deps.Scheduler,
			DefaultKeyID: deps.Config.DefaultKeyID,
			Passphrase:   deps.Config.KeyPassphrase,
		}))
	})

	r.Route("/admin", func(g chi.Router) {
		g.Use(AdminAuth(deps.AdminChecker, deps.AdminLimiter))
		g.Mount("/", v1.AdminRouter(&v1.AdminDeps{
			Keys:       deps.Keys,
			Signer:     deps.Signer,
			Audit:      deps.Audit,
			Scheduler:  deps.Scheduler,
			Limiter:    deps.Limiter,
			Passphrase: deps.Config.KeyPassphrase,
		}))
	})

	return &Server{
		srv: &http.Server{
			Addr:              deps.Config.ListenAddress,
			Handler:           r,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Handler exposes the assembled router, used in tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Serve runs the server until ctx is canceled, then drains in-flight
// requests before returning.
func (s *Server) Serve(ctx context.Context) error {
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
