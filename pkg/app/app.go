// Package app bootstraps a CLI invocation: configuration, the
// structured logger, and an Engine wired to every backend available on
// this host.
package app

import (
	"io"

	"github.com/marcoallegretti/karapace/pkg/backend"
	"github.com/marcoallegretti/karapace/pkg/config"
	"github.com/marcoallegretti/karapace/pkg/engine"
	"github.com/marcoallegretti/karapace/pkg/log"
	"github.com/sirupsen/logrus"
)

// App is the assembled dependency graph one CLI subcommand runs against.
type App struct {
	closers []io.Closer

	Config *config.AppConfig
	Log    *logrus.Entry
	Engine *engine.Engine
}

// NewApp bootstraps a new App: logger, the backends (namespace always;
// oci whenever a Docker client can be built from the environment, which
// does not contact the daemon; mock is test-only and never registered
// here), and the engine over the configured store root.
func NewApp(cfg *config.AppConfig) (*App, error) {
	app := &App{closers: []io.Closer{}, Config: cfg}
	app.Log = log.NewLogger(cfg)

	backends := []backend.Backend{backend.NewNamespaceBackend(app.Log, cfg)}
	if ociBackend, err := backend.NewOCIBackend(app.Log, cfg); err == nil {
		backends = append(backends, ociBackend)
	} else {
		app.Log.WithError(err).Debug("oci backend unavailable, continuing without it")
	}
	registry := backend.NewRegistry(backends...)

	eng, err := engine.New(cfg.StoreRoot, registry, app.Log)
	if err != nil {
		return app, err
	}
	app.Engine = eng

	stopSignalHandler := eng.Cancel.Install()
	app.closers = append(app.closers, closerFunc(func() error {
		stopSignalHandler()
		return nil
	}))

	return app, nil
}

// Close releases any resources acquired by NewApp, in particular the
// SIGINT/SIGTERM handler installed around the engine's cancellation
// token.
func (app *App) Close() error {
	for _, closer := range app.closers {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
