package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mitmrelay/internal/captureindex"
	"mitmrelay/internal/httpapi"
	"mitmrelay/internal/logger"
	"mitmrelay/internal/replay"
	"mitmrelay/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, operator WebSocket channel, and browser-driver coordinator",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.New(logger.Options{Level: cfg.Logging.Level, FilePath: cfg.Logging.Path, Pretty: cfg.Logging.Pretty})

	st, err := store.New(log, cfg.Projects.Dir)
	if err != nil {
		return fmt.Errorf("open project store: %w", err)
	}
	idx, err := captureindex.Open(log)
	if err != nil {
		return fmt.Errorf("open capture index: %w", err)
	}
	replayExec := replay.New(log, replay.Options{
		SkipTLSVerify: cfg.Replay.SkipTLSVerify,
		AllowLoopback: cfg.Replay.AllowLoopback,
		Timeout:       cfg.ReplayTimeout(),
	})

	sess := newSession(log, st, idx, sessionConfig{devtoolsURL: cfg.Browser.DevtoolsURL}, replayExec)

	handler := httpapi.New(log, sess, sess.hub, sess)
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.coord.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error, shutting down")
	}

	cancel()
	sess.coord.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
