package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dCache/dcache-sub081/internal/config"
	"github.com/dCache/dcache-sub081/internal/pool/datastore"
	"github.com/dCache/dcache-sub081/internal/pool/metastore"
	"github.com/dCache/dcache-sub081/internal/pool/metastore/factory"
	"github.com/dCache/dcache-sub081/internal/pool/repository"
)

// pool bundles a Directory with the stores it was opened over.
type pool struct {
	cfg    *config.PoolConfig
	dir    *repository.Directory
	data   *datastore.FileStore
	meta   metastore.Store
	legacy metastore.Store
	logger zerolog.Logger
}

// openPool opens the stores named by cfg and creates a Directory over
// them. Recovery is left to the caller.
func openPool(cfg *config.PoolConfig, m repository.Metrics) (*pool, error) {
	logger := log.Logger.With().Str("pool", cfg.Name).Logger()

	types, err := cfg.Checksums()
	if err != nil {
		return nil, err
	}

	data, err := datastore.NewFileStore(repository.DataDir(cfg.BaseDir), logger)
	if err != nil {
		return nil, fmt.Errorf("open data store: %w", err)
	}

	// Claim the pool before any store opens its files.
	lock, err := repository.LockPool(cfg.BaseDir)
	if err != nil {
		if errors.Is(err, repository.ErrPoolInUse) {
			return nil, fmt.Errorf("%w (stop \"pool run\" or the service first)", err)
		}
		return nil, err
	}

	storeOpts := metastore.Options{Dir: repository.ControlDir(cfg.BaseDir), Logger: logger}
	meta, err := factory.Open(cfg.MetadataStore, storeOpts)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	p := &pool{cfg: cfg, data: data, meta: meta, logger: logger}

	if cfg.LegacyStore != "" {
		p.legacy, err = factory.Open(cfg.LegacyStore, storeOpts)
		if err != nil {
			_ = meta.Close()
			_ = lock.Release()
			return nil, fmt.Errorf("open legacy store: %w", err)
		}
	}

	healer := repository.NewHealer(meta, p.legacy, data,
		repository.HealerOptions{AllowControlRecovery: cfg.AllowControlRecovery}, logger)

	p.dir, err = repository.New(repository.Options{
		BaseDir:            cfg.BaseDir,
		TotalSpace:         cfg.TotalSpace.Bytes(),
		AllowSpaceRecovery: cfg.AllowSpaceRecovery,
		StickyInterval:     cfg.StickyIntervalDuration(),
		ChecksumTypes:      types,
		Healer:             healer,
		Metrics:            m,
		Lock:               lock,
	}, meta, data, logger)
	if err != nil {
		_ = p.closeStores()
		_ = lock.Release()
		return nil, err
	}
	return p, nil
}

// recoverPool opens the pool and runs recovery.
func recoverPool(cfg *config.PoolConfig, m repository.Metrics) (*pool, error) {
	p, err := openPool(cfg, m)
	if err != nil {
		return nil, err
	}
	if err := p.dir.RunRecovery(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("recovery: %w", err)
	}
	return p, nil
}

func (p *pool) Close() error {
	return errors.Join(p.dir.Close(), p.closeStores())
}

func (p *pool) closeStores() error {
	var errs []error
	if p.legacy != nil {
		errs = append(errs, p.legacy.Close())
	}
	errs = append(errs, p.meta.Close())
	return errors.Join(errs...)
}
