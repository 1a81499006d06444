package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/inkwell-notes/session-service/internal/config"
	"github.com/inkwell-notes/session-service/internal/observability"
)

// App bundles the assembled server with everything its shutdown sequence
// needs.
type App struct {
	Config          *config.Config
	Logger          *slog.Logger
	Server          *http.Server
	Observability   *observability.Runtime
	ShutdownTimeout time.Duration

	stopBackground func()
}

func New(cfg *config.Config, logger *slog.Logger, server *http.Server, runtime *observability.Runtime, stopBackground func()) *App {
	return &App{
		Config:          cfg,
		Logger:          logger,
		Server:          server,
		Observability:   runtime,
		ShutdownTimeout: cfg.ShutdownTimeout,
		stopBackground:  stopBackground,
	}
}

// StopBackgroundTasks drains the non-HTTP workers (activity recorder,
// sweeper). Safe to call more than once.
func (a *App) StopBackgroundTasks() {
	if a.stopBackground != nil {
		a.stopBackground()
		a.stopBackground = nil
	}
}
