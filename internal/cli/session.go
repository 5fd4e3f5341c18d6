package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-lifecycle-engine/config"
	"trade-lifecycle-engine/internal/binance"
	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/gateway"
	"trade-lifecycle-engine/internal/lifecycle"
	"trade-lifecycle-engine/internal/logging"
	"trade-lifecycle-engine/internal/vault"
)

// session holds what every command needs: config, root logger and the trade store
type session struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  database.Store
	closer io.Closer
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openSession loads config, builds the logger and opens the store
func openSession(ctx context.Context, opts *rootOptions) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.New(cfg.LoggingConfig)
	if err != nil {
		return nil, err
	}

	store, err := database.Open(ctx, storeConfig(cfg.DatabaseConfig))
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &session{cfg: cfg, logger: logger, store: store, closer: closer}, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close store")
	}
	s.closer.Close()
}

func storeConfig(c config.DatabaseConfig) database.Config {
	return database.Config{
		Driver:     c.Driver,
		DSN:        c.DSN,
		MaxConns:   int32(c.MaxConns),
		SQLitePath: c.SQLitePath,
	}
}

// engineConfig converts the YAML tunables into the controller config
func engineConfig(c config.EngineConfig) lifecycle.Config {
	cfg := lifecycle.Config{
		PollInterval:    c.PollInterval,
		SLOffsetPercent: decimal.NewFromFloat(c.SLOffsetPercent),
		OutageThreshold: c.OutageThreshold,
		GatewayTimeout:  c.GatewayTimeout,
		Workers:         c.Workers,
		CommandBuffer:   c.CommandBuffer,
	}
	if c.MinTick > 0 {
		cfg.MinTick = decimal.NewFromFloat(c.MinTick)
	}
	return cfg
}

// buildGateway selects the exchange gateway. Binance keys come from the config or,
// when vault is enabled, from the operator's stored secret.
func buildGateway(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (gateway.Gateway, error) {
	switch cfg.ExchangeConfig.Provider {
	case "binance":
		vc, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			return nil, fmt.Errorf("vault client: %w", err)
		}
		exCfg, err := vc.ResolveExchangeConfig(ctx, cfg.ExchangeConfig)
		if err != nil {
			return nil, fmt.Errorf("resolve exchange keys: %w", err)
		}
		if exCfg.APIKey == "" || exCfg.SecretKey == "" {
			return nil, fmt.Errorf("no binance api keys configured")
		}
		return binance.NewFuturesClient(exCfg, cfg.EngineConfig.GatewayTimeout, logger), nil
	default:
		logger.Warn().Msg("Using the paper gateway: orders are simulated")
		return gateway.NewPaperGateway(), nil
	}
}
