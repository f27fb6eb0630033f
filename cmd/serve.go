package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"

	"github.com/BioHazard786/Warpchat/internal/config"
	"github.com/BioHazard786/Warpchat/internal/logging"
	"github.com/BioHazard786/Warpchat/internal/relay"
	"github.com/BioHazard786/Warpchat/internal/server"
	"github.com/BioHazard786/Warpchat/internal/version"
)

var (
	flagListen  string
	flagOrigins string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Long: `Run the signaling relay. It keeps room membership in memory and forwards
negotiation envelopes between the members of each room.

Examples:
  warpchat serve
  warpchat serve --listen :9000 --origins https://chat.example.com`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "address to listen on (env LISTEN_ADDR)")
	serveCmd.Flags().StringVar(&flagOrigins, "origins", "", "comma separated websocket origin allow-list (env ALLOWED_ORIGINS)")
}

func runServe() error {
	logging.Init(slog.LevelInfo)

	cfg, err := loadConfig(config.Options{
		ListenAddr:     flagListen,
		AllowedOrigins: flagOrigins,
	})
	if err != nil {
		return err
	}

	hub := relay.NewHub(slog.Default())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewRouter(hub, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", cfg.ListenAddr, "version", version.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
			// Websocket connections are hijacked, so Shutdown does not see them.
			"relay-hub": func(ctx context.Context) error {
				hub.Shutdown()
				return nil
			},
		},
	)

	select {
	case err := <-serveErr:
		return fmt.Errorf("relay server: %w", err)
	case code := <-wait:
		if code != 0 {
			return fmt.Errorf("relay shutdown finished with code %d", code)
		}
		return nil
	}
}
