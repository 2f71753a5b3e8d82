// app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dalemusser/dashgate/config"
	"github.com/dalemusser/dashgate/logging"
	"github.com/dalemusser/dashgate/metrics"
	"github.com/dalemusser/dashgate/server"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Telemetry is the per-process metrics registry and the gateway collectors
// registered on it.
type Telemetry struct {
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// Hooks defines the integration points an application must provide
// for Run to start it.
type Hooks[C any, D any] struct {
	// Name is used only for logging/diagnostics.
	Name string

	// LoadConfig must return both the core config and the app-specific
	// config. It typically calls config.Load.
	LoadConfig func(logger *zap.Logger) (*config.CoreConfig, C, error)

	// ConnectDB is responsible for connecting to any databases or backends
	// the app needs. It should respect core.DBConnectTimeout.
	ConnectDB func(ctx context.Context, core *config.CoreConfig, appCfg C, logger *zap.Logger) (D, error)

	// BuildHandler must construct the final http.Handler: router,
	// middleware and routes.
	BuildHandler func(core *config.CoreConfig, appCfg C, db D, tel Telemetry, logger *zap.Logger) (http.Handler, error)

	// Close releases what ConnectDB opened. It may be nil.
	Close func(db D) error
}

// Run executes the standard startup sequence:
//
//  1. Bootstrap logger
//  2. Load core + app config (Hooks.LoadConfig)
//  3. Build final logger based on core config
//  4. Create the metrics registry
//  5. Connect DB/backends (Hooks.ConnectDB)
//  6. Wire shutdown signals to a context
//  7. Build the HTTP handler (Hooks.BuildHandler)
//  8. Start the HTTP(S) server and block until shutdown
func Run[C any, D any](ctx context.Context, hooks Hooks[C, D]) error {
	if hooks.LoadConfig == nil || hooks.ConnectDB == nil || hooks.BuildHandler == nil {
		return errors.New("app: LoadConfig, ConnectDB and BuildHandler are required")
	}

	bootstrap := logging.BootstrapLogger()
	defer bootstrap.Sync()
	bootstrap.Info("bootstrap logger initialized", zap.String("app", hooks.Name))

	coreCfg, appCfg, err := hooks.LoadConfig(bootstrap)
	if err != nil {
		bootstrap.Error("config load failed", zap.Error(err))
		return err
	}
	bootstrap.Info("config loaded",
		zap.String("env", coreCfg.Env),
		zap.String("log_level", coreCfg.LogLevel),
	)

	logger, err := logging.BuildLogger(coreCfg.LogLevel, coreCfg.Env)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	logger.Info("logger initialized", zap.String("app", hooks.Name))

	reg := metrics.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, coreCfg.DBConnectTimeout)
	dbBundle, err := hooks.ConnectDB(connectCtx, coreCfg, appCfg, logger)
	cancelConnect()
	if err != nil {
		logger.Error("DB connect failed", zap.Error(err))
		return err
	}
	if hooks.Close != nil {
		defer func() {
			if err := hooks.Close(dbBundle); err != nil {
				logger.Warn("closing backends", zap.Error(err))
			}
		}()
	}

	ctx, cancel := server.WithShutdownSignals(ctx, logger)
	defer cancel()

	handler, err := hooks.BuildHandler(coreCfg, appCfg, dbBundle, Telemetry{Registry: reg, Metrics: m}, logger)
	if err != nil {
		logger.Error("handler build failed", zap.Error(err))
		return err
	}

	if err := server.ListenAndServeWithContext(ctx, coreCfg, handler, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
