// Package app assembles a Delegator and its dependencies from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/seantiz/stevedore/internal/backend"
	"github.com/seantiz/stevedore/internal/backend/backendtest"
	"github.com/seantiz/stevedore/internal/backend/ecs"
	"github.com/seantiz/stevedore/internal/backend/kubernetes"
	"github.com/seantiz/stevedore/internal/config"
	"github.com/seantiz/stevedore/internal/engine"
	"github.com/seantiz/stevedore/internal/store"
)

// App holds the long-lived components built from a Config.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     store.Store
	Registry  *backend.Registry
	Delegator *engine.Delegator

	tracer *sdktrace.TracerProvider
}

// Open builds the store, the configured backend and the Delegator. Spans are
// exported to traceOut when the config enables an exporter.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, traceOut io.Writer) (*App, error) {
	tp, err := engine.NewTracerProvider(cfg.TraceExporter, traceOut)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, tracer: tp}

	a.Store, err = OpenStore(ctx, cfg.Store)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	b, err := OpenBackend(ctx, cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if cfg.Backend == config.BackendFake {
		logger.Warn("using the in-memory test backend; launched resources do not outlive this process")
	}
	a.Registry = backend.NewRegistry()
	a.Registry.Register(cfg.Backend, b)

	base, err := cfg.BaseContext()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Delegator, err = engine.New(ctx, engine.Options{
		Registry:         a.Registry,
		Backend:          cfg.Backend,
		Tags:             a.Store,
		Events:           a.Store,
		Logger:           logger,
		ContainerName:    cfg.ContainerName,
		PinnedDefinition: cfg.PinnedDefinition,
		BaseContext:      base,
		Retry: engine.RetryPolicy{
			MaxTries:        cfg.Retry.MaxTries,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("create delegator: %w", err)
	}

	logger.Info("stevedore: ready",
		"backend", cfg.Backend,
		"store", cfg.Store.Driver,
		"container_name", cfg.ContainerName,
	)
	return a, nil
}

// Close flushes pending spans and closes the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// OpenStore opens the configured correlation and event store.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreRedis:
		s, err := store.NewRedisStore(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// OpenBackend builds the configured compute backend.
func OpenBackend(ctx context.Context, cfg config.Config) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendECS:
		b, err := ecs.NewFromEnvironment(ctx, cfg.ECS.Region, ecs.Config{
			Cluster:          cfg.ECS.Cluster,
			Subnets:          cfg.ECS.Subnets,
			SecurityGroups:   cfg.ECS.SecurityGroups,
			AssignPublicIP:   cfg.ECS.AssignPublicIP,
			LaunchType:       cfg.ECS.LaunchType,
			ExecutionRoleARN: cfg.ECS.ExecutionRoleARN,
			TaskRoleARN:      cfg.ECS.TaskRoleARN,
			IncludeSidecars:  cfg.ECS.IncludeSidecars,
			MetadataURI:      cfg.ECS.MetadataURI,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendKubernetes:
		b, err := kubernetes.NewFromConfig(kubernetes.Config{
			Namespace:               cfg.Kubernetes.Namespace,
			Kubeconfig:              cfg.Kubernetes.Kubeconfig,
			InCluster:               cfg.Kubernetes.InCluster,
			TTLSecondsAfterFinished: cfg.Kubernetes.TTLSecondsAfterFinished,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendFake:
		return backendtest.New(), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}
