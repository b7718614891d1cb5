package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PARADOX-12/TrustChain-Backend/internal/api"
	"github.com/PARADOX-12/TrustChain-Backend/internal/config"
	"github.com/PARADOX-12/TrustChain-Backend/internal/ledger"
	"github.com/PARADOX-12/TrustChain-Backend/internal/logging"
	"github.com/PARADOX-12/TrustChain-Backend/internal/metrics"
	"github.com/PARADOX-12/TrustChain-Backend/internal/service"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage/memory"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage/postgres"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage/sqlite"
)

type Application struct {
	Server *http.Server
	Store  storage.Store
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	adapter := ledger.NewClient(
		cfg.Ledger.URL,
		cfg.Ledger.WriteToken,
		time.Duration(cfg.Ledger.SubmitTimeoutSeconds)*time.Second,
		time.Duration(cfg.Ledger.ReadTimeoutSeconds)*time.Second,
	)
	collector := metrics.New()

	supply, err := service.NewSupplyChain(service.SupplyChainParams{
		Store:                store,
		Adapter:              adapter,
		BootstrapAdmins:      cfg.Authz.BootstrapAdmins,
		BlockExpiredDispense: cfg.Lifecycle.BlockExpiredDispense,
		Source:               cfg.Logging.Service,
		Logger:               logger,
		Metrics:              collector,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build supply chain service: %w", err)
	}
	query, err := service.NewQuery(service.QueryParams{
		Store:           store,
		Adapter:         adapter,
		BootstrapAdmins: cfg.Authz.BootstrapAdmins,
		Freshness:       time.Duration(cfg.Query.FreshnessSeconds) * time.Second,
		Logger:          logger,
		Metrics:         collector,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build query service: %w", err)
	}

	handler := api.NewHandler(api.HandlerParams{
		Supply:      supply,
		Query:       query,
		Metrics:     collector,
		Logger:      logger,
		ServiceName: cfg.Logging.Service,
		Version:     cfg.Logging.Version,
		Backend:     cfg.Storage.Backend,
		LedgerURL:   cfg.Ledger.URL,
	})
	router := handler.Router()
	if *cfg.Security.EnableIPAllow {
		mw, err := api.IPAllowListMiddleware(cfg.Security.TrustedCIDRs)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("configure ip allow list: %w", err)
		}
		router = mw(router)
	}
	if *cfg.Security.EnableBearerAuth {
		router = api.BearerAuthMiddleware(cfg.Security.BearerToken)(router)
	}
	env := logging.Environment{
		Service: cfg.Logging.Service,
		Version: cfg.Logging.Version,
		Commit:  cfg.Logging.Commit,
		Region:  cfg.Logging.Region,
	}
	root := logging.Middleware(logger, env)(router)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Application{Server: server, Store: store}, nil
}

// OpenStore builds the projection cache backend named by the config. The
// rebuild tool shares this so its view of the cache matches the server's.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Storage.Backend)) {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres cache: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return store, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer a.Store.Close()
	return a.Server.Shutdown(ctx)
}
