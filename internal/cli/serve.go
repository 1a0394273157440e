package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/metrics"
	"github.com/lazypower/memgraph/internal/server"
)

var serveWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "reload engine policy and log level when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	log, level, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer st.Close()

	emb, err := buildEmbedder(ctx, cfg.Embedder, st, log)
	if err != nil {
		return err
	}
	embName := "none"
	if emb != nil {
		embName = emb.Model()
	}
	log.Info("embedder ready", zap.String("model", embName))

	m := metrics.New("memgraph")
	eng, err := engine.New(st, cfg.Engine,
		engine.WithLogger(log),
		engine.WithEmbedder(emb),
		engine.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	if cfg.Maintenance.Interval > 0 {
		eng.StartTicker(cfg.Maintenance.Interval)
		defer eng.Stop()
	}

	if serveWatch {
		w, err := config.Watch(cfgPath, cfg, log, func(c config.Config) {
			if err := eng.SetPolicy(c.Engine); err != nil {
				log.Error("policy reload rejected", zap.Error(err))
			}
			if !debug && c.Log.Level != level.String() {
				if err := level.UnmarshalText([]byte(c.Log.Level)); err == nil {
					log.Info("log level set", zap.String("level", c.Log.Level))
				}
			}
		})
		if err != nil {
			// the config directory may not exist yet
			log.Warn("config watch disabled", zap.Error(err))
		} else {
			defer w.Close()
		}
	}

	srv := server.New(eng, VersionString(),
		server.WithLogger(log),
		server.WithMetrics(m),
		server.WithCORS(cfg.Server.CORSOrigins),
	)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("memgraph serving", zap.String("addr", httpServer.Addr), zap.String("version", VersionString()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
