// pitstop-bridge is the public relay. It owns the Telegram bot and forwards
// chats to pitstop servers that dial in from private networks.
package main

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

	"github.com/igoryan-dao/pitstop/internal/bridge/server"
	"github.com/igoryan-dao/pitstop/internal/config"
	"github.com/igoryan-dao/pitstop/internal/telemetry"
)

var (
	configPath string
	webhookURL string
)

const webhookPath = "/telegram/webhook"

var rootCmd = &cobra.Command{
	Use:           "pitstop-bridge",
	Short:         "Relay between Telegram and pitstop servers behind NAT",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (default ./"+config.DefaultFile+")")
	rootCmd.Flags().StringVar(&webhookURL, "webhook-url", "", "Public base URL; when set Telegram pushes updates to "+webhookPath+" instead of being polled")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if cfg.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if cfg.Bridge.Secret == "" {
		logger.Warn().Msg("bridge.secret is empty, any agent may connect")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := server.New(cfg.Bridge.Secret, logger)
	tg, err := server.NewTelegram(cfg.Telegram.Token, relay)
	if err != nil {
		return err
	}

	router := relay.Handler()
	webhook := webhookURL != ""
	if webhook {
		router.Post(webhookPath, tg.WebhookHandler())
		if err := tg.RegisterWebhook(ctx, webhookURL+webhookPath); err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
	}
	go tg.Start(ctx, webhook)

	srv := &http.Server{Addr: cfg.Bridge.Listen, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.Bridge.Listen).Bool("webhook", webhook).Msg("relay listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
