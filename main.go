package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/raine/roomedit/config"
	"github.com/raine/roomedit/internal/api"
	"github.com/raine/roomedit/internal/apify"
	"github.com/raine/roomedit/internal/download"
	"github.com/raine/roomedit/internal/edit"
	"github.com/raine/roomedit/internal/flux"
	"github.com/raine/roomedit/internal/listing"
	"github.com/raine/roomedit/internal/llm"
	"github.com/raine/roomedit/internal/storage"
)

const (
	shutdownTimeout  = 15 * time.Second
	postgresMaxConns = 10
	scrapeCallMargin = time.Minute
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	config.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown LOG_LEVEL, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Create context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer store.Close()

	provider, waitProvider, err := newEditProvider(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize edit provider")
	}
	log.Info().Str("provider", cfg.EditProvider).Msg("edit provider initialized")

	queue := edit.NewRoomQueue()
	poller := edit.NewPoller(provider, edit.PollConfig{
		Interval:    cfg.PollInterval,
		MaxAttempts: cfg.PollMaxAttempts,
	})
	orchestrator := edit.NewOrchestrator(store, provider, poller, queue).
		WithFetcher(download.NewImageDownloader().
			WithTimeout(cfg.DownloadTimeout).
			WithMaxSize(cfg.DownloadMaxBytes))
	reconciler := edit.NewReconciler(store, queue, poller.Config().Timeout())

	apifyClient := apify.NewClient(apify.ClientOpts{
		BaseURL:       cfg.ApifyBaseURL,
		Token:         cfg.ApifyToken,
		ActorID:       cfg.ApifyActorID,
		WaitForFinish: cfg.ApifyWaitForFinish,
	})
	scraper := listing.NewScraper(
		listing.NewCachedProvider(apifyClient, store, cfg.ScrapeCacheTTL),
		listing.HostPolicy{AllowedHosts: cfg.ScrapeAllowedHosts, Enforce: cfg.ScrapeEnforceHost},
	).WithCallTimeout(cfg.ApifyWaitForFinish + scrapeCallMargin)

	server := api.New(api.Options{
		Editor:      orchestrator,
		Scraper:     scraper,
		Store:       store,
		Tokens:      cfg.APITokens,
		BaseContext: ctx,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Listen(cfg.ListenAddr)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return reconciler.Run(ctx)
	})

	err = g.Wait()
	queue.Stop()
	waitProvider()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.DatabaseURL != "" {
		store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.PublicBaseURL, postgresMaxConns)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("using postgres storage")
		return store, nil
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath, cfg.PublicBaseURL)
	if err != nil {
		return nil, err
	}
	log.Info().Str("dbPath", cfg.DBPath).Msg("using sqlite storage")
	return store, nil
}

// newEditProvider returns the configured provider and a function that waits
// for its background work to finish.
func newEditProvider(ctx context.Context, cfg *config.Config) (edit.Provider, func(), error) {
	switch cfg.EditProvider {
	case config.ProviderFlux:
		client := flux.NewClient(flux.ClientOpts{
			BaseURL: cfg.BFLBaseURL,
			APIKey:  cfg.BFLAPIKey,
			Model:   cfg.BFLModel,
		})
		return client, func() {}, nil
	case config.ProviderGemini:
		editor, err := llm.NewGeminiImageEditor(ctx, cfg.GeminiAPIKey, cfg.GeminiImageModel)
		if err != nil {
			return nil, nil, err
		}
		return editor, editor.Wait, nil
	default:
		return nil, nil, fmt.Errorf("unknown edit provider %q", cfg.EditProvider)
	}
}
