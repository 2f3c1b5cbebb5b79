package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	selfheal "github.com/JohnPlummer/jp-go-selfheal"
	"github.com/JohnPlummer/jp-go-selfheal/probes"
)

// dependency is a configured service with its probe and any client to close
// on shutdown.
type dependency struct {
	name     string
	probe    selfheal.HealthCheckFunc
	metadata map[string]any
	closer   io.Closer
}

// closerFunc adapts pgxpool.Pool.Close, which returns nothing.
type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// buildDependencies creates a probe per configured dependency. Clients are
// lazy: a dependency that is down at startup still registers and is probed.
func buildDependencies(ctx context.Context, deps []dependencyConfig) ([]dependency, error) {
	out := make([]dependency, 0, len(deps))
	for _, dc := range deps {
		d, err := buildDependency(ctx, dc)
		if err != nil {
			closeDependencies(out, slog.Default())
			return nil, fmt.Errorf("dependency %s: %w", dc.Name, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func buildDependency(ctx context.Context, dc dependencyConfig) (dependency, error) {
	d := dependency{
		name:     dc.Name,
		metadata: map[string]any{"kind": dc.Kind},
	}
	for k, v := range dc.Metadata {
		d.metadata[k] = v
	}

	switch dc.Kind {
	case kindHTTP:
		var opts []probes.HTTPOption
		if dc.ExpectedStatus != 0 {
			opts = append(opts, probes.WithExpectedStatus(dc.ExpectedStatus))
		}
		d.probe = probes.HTTP(dc.Target, opts...)
		d.metadata["url"] = dc.Target

	case kindTCP:
		d.probe = probes.TCP(dc.Target)
		d.metadata["addr"] = dc.Target

	case kindRedis:
		opt, err := redis.ParseURL(dc.Target)
		if err != nil {
			return dependency{}, fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opt)
		d.probe = probes.Redis(client)
		d.closer = client
		d.metadata["addr"] = opt.Addr

	case kindPostgres:
		poolCfg, err := pgxpool.ParseConfig(dc.Target)
		if err != nil {
			return dependency{}, fmt.Errorf("parsing postgres dsn: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return dependency{}, fmt.Errorf("creating postgres pool: %w", err)
		}
		d.probe = probes.Postgres(pool)
		d.closer = closerFunc(pool.Close)
		d.metadata["database"] = poolCfg.ConnConfig.Database

	default:
		return dependency{}, fmt.Errorf("unsupported kind %q", dc.Kind)
	}

	return d, nil
}

func closeDependencies(deps []dependency, logger *slog.Logger) {
	for _, d := range deps {
		if d.closer == nil {
			continue
		}
		if err := d.closer.Close(); err != nil {
			logger.Warn("closing dependency client", "service", d.name, "error", err)
		}
	}
}

// probeRecoverer re-runs the probe of the service being recovered. The
// daemon has no process supervisor, so RESTART means "reconnect and verify".
type probeRecoverer map[string]selfheal.HealthCheckFunc

func (p probeRecoverer) Recover(ctx context.Context, h selfheal.ServiceHealth) (bool, error) {
	probe, ok := p[h.Name]
	if !ok {
		return false, fmt.Errorf("%w: %s", selfheal.ErrServiceNotFound, h.Name)
	}
	return probe(ctx)
}

// monitorOptions assembles the monitor options for cfg.
func monitorOptions(cfg *daemonConfig, deps []dependency, logger *slog.Logger) ([]selfheal.Option, error) {
	opts := []selfheal.Option{selfheal.WithLogger(logger)}

	if cfg.RulesFile != "" {
		rules, err := selfheal.LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, selfheal.WithRules(rules...))
	}

	if cfg.Retry.Attempts > 1 {
		byName := make(probeRecoverer, len(deps))
		for _, d := range deps {
			byName[d.name] = d.probe
		}
		opts = append(opts, selfheal.WithActionHandler(selfheal.ActionRestart,
			selfheal.NewRetryRecoverer(byName,
				selfheal.WithMaxAttempts(cfg.Retry.Attempts),
				selfheal.WithExponentialBackoff(cfg.Retry.InitialDelay, cfg.Retry.MaxDelay),
				selfheal.WithRetryOnFalse(),
				selfheal.WithRetryLogger(logger),
			)))
	}

	return opts, nil
}
