package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vidchain/vidchain/internal/catalog"
	"github.com/vidchain/vidchain/internal/server"
	"github.com/vidchain/vidchain/internal/wallet"
)

func serveCmd() *cobra.Command {
	var webDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local daemon that backs the browser UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			startCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			// The daemon has no terminal to prompt on.
			var passphrase wallet.PassphraseFunc
			if cfg.WalletPassphrase != "" {
				passphrase = wallet.StaticPassphrase(cfg.WalletPassphrase)
			}
			a, err := newApp(startCtx, cfg, passphrase)
			if err != nil {
				return err
			}
			defer a.Close()

			webFS, err := webFileSystem(webDir)
			if err != nil {
				return err
			}

			feed := catalog.NewFeed(a.reader, a.metrics)
			runCtx, stopFeed := context.WithCancel(context.Background())
			defer stopFeed()
			go feed.Run(runCtx, cfg.CatalogRefresh)

			srvCfg := server.Config{
				Wallet:         a.wallet,
				Identity:       a.registrar,
				Publisher:      a.publisher,
				Feed:           feed,
				Metrics:        a.metrics,
				WebFS:          webFS,
				BaseURL:        cfg.BaseURL,
				GatewayURL:     a.gateway,
				MaxUploadBytes: cfg.MaxUploadBytes,
			}
			if a.db != nil {
				srvCfg.Pinger = a.db
			}
			srv := server.New(srvCfg)
			defer srv.Close()

			httpServer := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       0, // uploads may stream for a long time
				WriteTimeout:      cfg.FinalizeTimeout + time.Minute,
				IdleTimeout:       120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("vidchain listening", "port", cfg.Port, "ledger", cfg.LedgerURL, "store", cfg.StoreBackend)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case err, ok := <-errCh:
				if ok {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-quit:
			}

			slog.Info("shutting down server")
			stopFeed()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			slog.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&webDir, "web", "", "directory with the built web UI to serve")
	return cmd
}

// webFileSystem returns nil when dir is empty, which disables SPA serving.
func webFileSystem(dir string) (fs.FS, error) {
	if dir == "" {
		slog.Info("no web directory given, SPA serving disabled")
		return nil, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("web directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("web directory: %s is not a directory", dir)
	}
	return os.DirFS(dir), nil
}
