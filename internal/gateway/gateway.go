// Package gateway assembles dashgate from its parts: it is the set of
// app.Hooks the serve command runs.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/dalemusser/dashgate/app"
	"github.com/dalemusser/dashgate/config"
	"github.com/dalemusser/dashgate/internal/gatewayapi"
	"github.com/dalemusser/dashgate/middleware"
	"github.com/dalemusser/dashgate/pantry/db/metadb"
	"github.com/dalemusser/dashgate/pantry/db/redis"
	"github.com/dalemusser/dashgate/pantry/health"
	"github.com/dalemusser/dashgate/proxy"
	"github.com/dalemusser/dashgate/router"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// Name identifies the service in logs.
const Name = "dashgate"

// Backends are the BI host's stores the gateway watches. Either may be nil
// when its settings are empty.
type Backends struct {
	MetaDB *sql.DB
	Redis  *redis.Client
}

// Checks are the /healthz probes for the connected backends.
func (b *Backends) Checks() map[string]health.Check {
	checks := map[string]health.Check{}
	if b == nil {
		return checks
	}
	if b.MetaDB != nil {
		checks["metadb"] = metadb.HealthCheck(b.MetaDB)
	}
	if b.Redis != nil {
		checks["redis"] = redis.HealthCheck(b.Redis)
	}
	return checks
}

// Close releases both pools.
func (b *Backends) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.MetaDB != nil {
		errs = append(errs, b.MetaDB.Close())
	}
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	return errors.Join(errs...)
}

// Hooks returns the app hooks for a parsed flag set.
func Hooks(fs *pflag.FlagSet) app.Hooks[*config.Settings, *Backends] {
	return app.Hooks[*config.Settings, *Backends]{
		Name: Name,
		LoadConfig: func(logger *zap.Logger) (*config.CoreConfig, *config.Settings, error) {
			return config.Load(fs, logger)
		},
		ConnectDB:    Connect,
		BuildHandler: BuildHandler,
		Close:        (*Backends).Close,
	}
}

// Connect opens the metadata database pool and the cache client. An
// unreachable backend is logged and kept: both clients reconnect on use,
// and /healthz reports the outage until the host is up.
func Connect(ctx context.Context, core *config.CoreConfig, s *config.Settings, logger *zap.Logger) (*Backends, error) {
	logger.Info("host settings", s.LogFields()...)
	b := &Backends{}

	if s.Database.URI != "" {
		db, target, err := metadb.New(s.Database)
		if err != nil {
			return nil, err
		}
		b.MetaDB = db
		if err := metadb.Ping(ctx, db, target.Dialect, s.Database.PoolTimeout); err != nil {
			logger.Warn("metadata database unreachable", zap.Error(err))
		} else {
			logger.Info("metadata database connected",
				zap.String("dialect", target.Dialect),
				zap.String("uri", config.RedactURI(s.Database.URI)))
		}
	}

	if s.Redis.Host != "" {
		opts, err := redis.OptionsFor(s.Redis, s.Cache)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Redis = redis.New(opts)
		if err := redis.Ping(ctx, b.Redis, core.DBConnectTimeout); err != nil {
			logger.Warn("redis unreachable", zap.String("addr", opts.Addr), zap.Error(err))
		} else {
			logger.Info("redis connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
		}
	}
	return b, nil
}

// BuildHandler wires the router, the gateway's own endpoints and, when an
// upstream is configured, the proxy to the BI host as the catch-all route.
func BuildHandler(core *config.CoreConfig, s *config.Settings, b *Backends, tel app.Telemetry, logger *zap.Logger) (http.Handler, error) {
	ext, err := middleware.NewExtension(core, tel.Metrics, logger)
	if err != nil {
		return nil, err
	}
	r, err := router.New(router.Options{
		Core:      core,
		Settings:  s,
		Extension: ext,
		Metrics:   tel.Metrics,
	}, logger)
	if err != nil {
		return nil, err
	}

	opts := gatewayapi.Options{
		Settings:      s,
		Checks:        b.Checks(),
		Debug:         core.Env == "dev",
		AdminKey:      core.AdminAPIKey,
		SecureCookies: core.HTTP.UseHTTPS,
	}
	if tel.Registry != nil {
		opts.Gatherer = tel.Registry
	}
	gatewayapi.Mount(r, opts, logger)

	if core.UpstreamURL != "" {
		u, err := proxy.ParseUpstream(core.UpstreamURL)
		if err != nil {
			return nil, err
		}
		p, err := proxy.New(u, s, logger.Named("proxy"))
		if err != nil {
			return nil, err
		}
		r.Handle("/*", p)
		logger.Info("proxying to BI host", zap.String("upstream", u.String()))
	}
	return r, nil
}
