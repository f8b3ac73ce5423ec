package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"freebusy/internal/aggregator"
	"freebusy/internal/caldav"
	"freebusy/internal/config"
	"freebusy/internal/google"
	"freebusy/internal/ics"
	"freebusy/internal/microsoft"
	"freebusy/internal/models"
	"freebusy/internal/thunderbird"
	"freebusy/internal/tokenstore"
)

// buildSources creates one provider per configured source. Without a sources
// file every Google account that has a token file becomes a source reading its
// primary calendar. The returned func closes local database handles.
func buildSources(ctx context.Context, logger *slog.Logger, cfg *config.Config) ([]aggregator.SourceRef, func(), error) {
	srcs, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, nil, err
	}
	if len(srcs) == 0 {
		srcs, err = tokenAccountSources(cfg)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("No sources file found, using Google token accounts.", "file", cfg.SourcesFile, "count", len(srcs))
	}
	if len(srcs) == 0 {
		return nil, nil, fmt.Errorf("no calendar sources configured. Create %s or run the 'auth' command first", cfg.SourcesFile)
	}

	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("Failed to close source", "error", err)
			}
		}
	}

	refs := make([]aggregator.SourceRef, 0, len(srcs))
	for _, src := range srcs {
		provider, closer, err := newProvider(ctx, logger, cfg, src)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create source %s: %w", src.ID, err)
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		refs = append(refs, aggregator.SourceRef{
			ID:          src.ID,
			Provider:    provider,
			CalendarIDs: src.QualifiedCalendars(),
		})
	}
	logger.Info("Initialized calendar sources.", "count", len(refs))
	return refs, closeAll, nil
}

func newProvider(ctx context.Context, logger *slog.Logger, cfg *config.Config, src config.SourceConfig) (aggregator.Provider, func() error, error) {
	switch src.Provider {
	case models.ProviderGoogle:
		tokens := tokenstore.Store{Dir: cfg.TokenDir, Prefix: tokenstore.GooglePrefix}
		p, err := google.NewClient(ctx, logger, tokens, cfg.GoogleClientID, cfg.GoogleClientSecret, src.Account)
		return p, nil, err
	case models.ProviderMicrosoft:
		tokens := tokenstore.Store{Dir: cfg.TokenDir, Prefix: tokenstore.MicrosoftPrefix}
		p, err := microsoft.NewClient(ctx, logger, tokens, cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftTenant, src.Account)
		return p, nil, err
	case models.ProviderCalDAV:
		password := os.Getenv(src.PasswordEnv)
		if password == "" {
			return nil, nil, fmt.Errorf("%s environment variable not set", src.PasswordEnv)
		}
		p, err := caldav.NewClient(logger, src.URL, src.Username, password)
		return p, nil, err
	case models.ProviderICS:
		return ics.NewFeed(logger, src.ID, src.URL), nil, nil
	case models.ProviderThunderbird:
		path := src.Path
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, nil, err
			}
			if path, err = thunderbird.FindDatabase(home); err != nil {
				return nil, nil, err
			}
		}
		store, err := thunderbird.Open(logger, path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown provider %q", src.Provider)
}

func tokenAccountSources(cfg *config.Config) ([]config.SourceConfig, error) {
	tokens := tokenstore.Store{Dir: cfg.TokenDir, Prefix: tokenstore.GooglePrefix}
	accounts, err := tokens.Accounts()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("could not list google accounts: %w", err)
	}
	srcs := make([]config.SourceConfig, 0, len(accounts))
	for _, acc := range accounts {
		srcs = append(srcs, config.SourceConfig{ID: "google-" + acc, Provider: models.ProviderGoogle, Account: acc})
	}
	return srcs, nil
}
