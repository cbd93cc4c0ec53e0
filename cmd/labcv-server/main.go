// Command labcv-server runs the Lab CV HTTP API and its background workers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	app "github.com/labcv/labcv/internal/app"
	"github.com/labcv/labcv/internal/app/httpapi"
	"github.com/labcv/labcv/internal/config"
	"github.com/labcv/labcv/internal/logging"
)

func main() {
	migrate := flag.Bool("migrate", os.Getenv("AUTO_MIGRATE") == "true", "apply database migrations before serving")
	flag.Parse()

	if err := run(*migrate); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.NewFromConfig("labcv", logging.Config{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		log.WithError(err).Warn("invalid LOG_LEVEL; using info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	deps, resources, err := app.Connect(connectCtx, cfg, app.ConnectOptions{Migrate: migrate}, log)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := resources.Close(); err != nil {
			log.WithError(err).Warn("close resources")
		}
	}()

	application, err := app.New(cfg, deps, log)
	if err != nil {
		return err
	}
	handler, err := httpapi.NewHandler(application, httpapi.Options{
		Logger:       log.Named("httpapi"),
		AuditLogPath: cfg.AuditLogPath,
	})
	if err != nil {
		return err
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(map[string]interface{}{
			"addr":  cfg.HTTPAddr,
			"env":   cfg.Env,
			"store": cfg.StoreDriver,
		}).Info("labcv listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case serveErr = <-errCh:
		if serveErr != nil {
			serveErr = fmt.Errorf("http server: %w", serveErr)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop services")
	}
	log.Info("labcv stopped")
	return serveErr
}
