package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"go.uber.org/zap"

	"github.com/3leaps/gridsweep/internal/config"
	"github.com/3leaps/gridsweep/internal/observability"
	"github.com/3leaps/gridsweep/pkg/catalog"
	"github.com/3leaps/gridsweep/pkg/ledger"
	"github.com/3leaps/gridsweep/pkg/output"
	"github.com/3leaps/gridsweep/pkg/policy"
	"github.com/3leaps/gridsweep/pkg/provider"
	"github.com/3leaps/gridsweep/pkg/provider/file"
	"github.com/3leaps/gridsweep/pkg/provider/s3"
	"github.com/3leaps/gridsweep/pkg/retry"
	"github.com/3leaps/gridsweep/pkg/sweep"
)

// currentConfig returns the loaded configuration, loading defaults when the
// root pre-run did not execute (tests).
func currentConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}

// dataDir returns the application data directory.
func dataDir() (string, error) {
	identity := GetAppIdentity()
	if identity == nil || strings.TrimSpace(identity.ConfigName) == "" {
		identity = &config.DefaultIdentity
	}
	dir := gfconfig.GetAppDataDir(identity.ConfigName)
	if dir == "" {
		return "", errors.New("app data directory is not available")
	}
	return dir, nil
}

// catalogHandle is an open catalog plus its cleanup. client is set for the
// HTTP backend only.
type catalogHandle struct {
	catalog.Catalog
	client *catalog.Client
	close  func() error
}

// timer returns the catalog timer for the run summary, or nil.
func (h *catalogHandle) timer() sweep.CatalogTimer {
	if h.client == nil {
		return nil
	}
	return h.client
}

// openCatalog opens the configured catalog backend.
func openCatalog(ctx context.Context, cfg config.CatalogConfig, logger *zap.Logger) (*catalogHandle, error) {
	switch cfg.Backend {
	case "sqlite":
		path := cfg.Path
		if path == "" {
			dir, err := dataDir()
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			path = filepath.Join(dir, "catalog.db")
		}
		local, err := catalog.OpenLocal(ctx, path)
		if err != nil {
			return nil, err
		}
		logger.Debug("Using local catalog", zap.String("path", path))
		return &catalogHandle{Catalog: local, close: local.Close}, nil
	default:
		client, err := catalog.NewClient(catalog.ClientConfig{
			BaseURL:   cfg.URL,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			Retry: retry.Config{
				MaxAttempts:    cfg.Retry.MaxAttempts,
				InitialBackoff: cfg.Retry.InitialBackoff,
				MaxBackoff:     cfg.Retry.MaxBackoff,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Debug("Using catalog service", zap.String("url", cfg.URL))
		return &catalogHandle{Catalog: client, client: client, close: func() error { return nil }}, nil
	}
}

// openStore opens the configured archive medium. dest is used for the
// default file store directory.
func openStore(ctx context.Context, cfg config.StoreConfig, dest string) (provider.Store, error) {
	switch cfg.Backend {
	case "s3":
		return s3.New(ctx, s3.Config{
			Bucket:         cfg.Bucket,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			Profile:        cfg.Profile,
			Prefix:         cfg.Prefix,
			ForcePathStyle: cfg.ForcePathStyle || cfg.Endpoint != "",
		})
	default:
		dir := cfg.Dir
		if dir == "" {
			if dest == "" {
				return nil, errors.New("archive.store.dir is required for the file store")
			}
			dir = filepath.Join(dest, "archive")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
		return file.New(file.Config{BaseDir: dir})
	}
}

// openLedger opens the run ledger, or returns nil when it is disabled.
func openLedger(ctx context.Context, cfg config.LedgerConfig) (*ledger.Ledger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	path := cfg.Path
	if path == "" {
		dir, err := dataDir()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		path = filepath.Join(dir, "ledger.db")
	}
	return ledger.Open(ctx, path)
}

// createWriter creates a JSONL writer for dest ("" or "-" for stdout).
// Returns the writer, a cleanup function, and any error.
func createWriter(dest, runID, command string) (*output.JSONLWriter, func(), error) {
	if dest == "" || dest == "-" {
		w := output.NewJSONLWriter(os.Stdout, runID, command)
		return w, func() { _ = w.Close() }, nil
	}

	f, err := os.Create(dest)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", dest, err)
	}
	w := output.NewJSONLWriter(f, runID, command)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}

// loadPolicy reads the optional policy file.
func loadPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		return &policy.Policy{}, nil
	}
	p, err := policy.Load(path)
	if err != nil {
		return nil, err
	}
	observability.CLILogger.Debug("Loaded policy", zap.String("path", path))
	return p, nil
}

// sharedDest returns the directory holding the given cluster directories.
func sharedDest(clusters []string) (string, error) {
	var dest string
	for _, c := range clusters {
		abs, err := filepath.Abs(c)
		if err != nil {
			return "", err
		}
		parent := filepath.Dir(filepath.Clean(abs))
		if dest == "" {
			dest = parent
			continue
		}
		if parent != dest {
			return "", fmt.Errorf("clusters %s and %s have different parents; set --dest", dest, parent)
		}
	}
	if dest == "" {
		return "", errors.New("no cluster directories given")
	}
	return dest, nil
}

// closeQuietly closes c and logs a failure.
func closeQuietly(name string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		observability.CLILogger.Warn("Close failed", zap.String("resource", name), zap.Error(err))
	}
}
