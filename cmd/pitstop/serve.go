package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/igoryan-dao/pitstop/internal/api"
	"github.com/igoryan-dao/pitstop/internal/artifact"
	"github.com/igoryan-dao/pitstop/internal/bridge"
	"github.com/igoryan-dao/pitstop/internal/browser"
	"github.com/igoryan-dao/pitstop/internal/config"
	"github.com/igoryan-dao/pitstop/internal/contacts"
	"github.com/igoryan-dao/pitstop/internal/discord"
	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/orchestrator"
	"github.com/igoryan-dao/pitstop/internal/paths"
	"github.com/igoryan-dao/pitstop/internal/queue"
	"github.com/igoryan-dao/pitstop/internal/rendezvous"
	"github.com/igoryan-dao/pitstop/internal/secrets"
	"github.com/igoryan-dao/pitstop/internal/store"
	"github.com/igoryan-dao/pitstop/internal/telegram"
	"github.com/igoryan-dao/pitstop/internal/telemetry"
	"github.com/igoryan-dao/pitstop/internal/whisper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator, the chat transports and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer("pitstop", cfg.Telemetry.Traces, os.Stderr, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	if err := paths.EnsureDir(cfg.DataDir); err != nil {
		return err
	}
	st, err := store.Open(cfg.Storage.Type, cfg.Storage.Path, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	book, err := contacts.NewManager(paths.ContactsFile(cfg.DataDir))
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	blobs := artifact.New(cfg.DataDir)

	flows, err := browser.LoadFlows(cfg.Browser.FlowsDir)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Str("dir", cfg.Browser.FlowsDir).Msg("flows directory missing, no flows loaded")
		flows = map[string]*browser.Flow{}
	} else if err != nil {
		return fmt.Errorf("load flows: %w", err)
	}
	logger.Info().Int("flows", len(flows)).Msg("flows loaded")

	chrome := browser.NewManager(cfg.Browser.RemoteURL, cfg.Browser.Headless)
	defer chrome.Close()
	drv := browser.NewDriver(flows, chrome, secrets.NewVault(cfg.Secrets.Path), logger)

	router := notify.NewRouter(book, blobs, cfg.Notify.RatePerMinute, logger)

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Registry:  rendezvous.New(cfg.Rendezvous.Grace),
		Queue:     queue.New(cfg.Queue.Capacity),
		Driver:    drv,
		Gateway:   router,
		Artifacts: blobs,
		Logger:    logger,
	}, orchestrator.Options{
		Workers:              cfg.Workers,
		InputTimeout:         cfg.Timeouts.Input,
		DriverTimeout:        cfg.Timeouts.Driver,
		DriverRetries:        cfg.Retries.Driver,
		StepRetries:          cfg.Retries.Step,
		Backoff:              cfg.Retries.Backoff,
		MaxBackoff:           cfg.Retries.MaxBackoff,
		NotifyTimeout:        cfg.Timeouts.Notify,
		SingleActivePerOwner: cfg.Sessions.SingleActive,
		RejectWhenFull:       cfg.Queue.RejectWhenFull,
	})
	if err != nil {
		return err
	}

	if err := startTransports(ctx, cfg, book, router, orch, logger); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		orch.Run(ctx)
	}()

	err = api.New(orch, blobs, logger).ListenAndServe(ctx, cfg.HTTP.Addr)
	stop()
	<-done
	return err
}

// startTransports registers every configured chat transport with the router
// and starts its receive loop.
func startTransports(ctx context.Context, cfg *config.Config, book *contacts.Manager, router *notify.Router, in notify.Inbound, logger zerolog.Logger) error {
	started := 0

	if cfg.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.AllowedUserIDs, book, cfg.DataDir, logger)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		tg.SetInbound(in)
		if cfg.Voice.Model != "" {
			tr, err := whisper.NewTranscriber(cfg.Voice.WhisperPath, cfg.Voice.Model, filepath.Join(cfg.DataDir, "tmp"), logger)
			if err != nil {
				logger.Warn().Err(err).Msg("voice replies disabled")
			} else {
				tg.SetTranscriber(tr)
			}
		}
		router.Register(tg)
		go tg.Start(ctx)
		started++
	}

	if cfg.Discord.Token != "" {
		dg, err := discord.New(cfg.Discord.Token, cfg.Discord.GuildID, book, logger)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		dg.SetInbound(in)
		if err := dg.Start(); err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		go func() {
			<-ctx.Done()
			_ = dg.Stop()
		}()
		router.Register(dg)
		started++
	}

	if cfg.Bridge.URL != "" {
		agent, _ := os.Hostname()
		if agent == "" {
			agent = "pitstop"
		}
		bc := bridge.NewClient(cfg.Bridge.URL, agent, cfg.Bridge.Secret, book, logger)
		bc.SetInbound(in)
		router.Register(bc)
		go func() { _ = bc.Run(ctx) }()
		started++
	}

	if started == 0 {
		logger.Warn().Msg("no chat transport configured; prompts can only be answered through the API")
	}
	return nil
}
