package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/anisbr/ragchat/internal/config"
	"github.com/anisbr/ragchat/internal/history"
	"github.com/anisbr/ragchat/internal/httpapi"
	"github.com/anisbr/ragchat/internal/observability"
	"github.com/anisbr/ragchat/internal/session"
	"github.com/anisbr/ragchat/internal/transport"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Store    history.Store
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	tr, err := transport.New(transport.Config{
		Mode:       cfg.TransportMode,
		BackendURL: cfg.BackendURL,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("transport init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout, func(collection string) *session.Controller {
		return session.NewController(tr, store, metrics, collection)
	})
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, store, metrics)

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Store:    store,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
