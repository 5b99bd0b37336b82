// Package factory opens a metadata store by its configured name.
package factory

import (
	"fmt"
	"slices"

	"github.com/dCache/dcache-sub081/internal/pool/metastore"
	"github.com/dCache/dcache-sub081/internal/pool/metastore/badger"
	"github.com/dCache/dcache-sub081/internal/pool/metastore/bolt"
	"github.com/dCache/dcache-sub081/internal/pool/metastore/control"
	"github.com/dCache/dcache-sub081/internal/pool/metastore/file"
	"github.com/dCache/dcache-sub081/internal/pool/metastore/memory"
)

type openFunc func(opts metastore.Options) (metastore.Store, error)

var providers = map[string]openFunc{
	"file": func(opts metastore.Options) (metastore.Store, error) {
		return file.Open(opts)
	},
	"bolt": func(opts metastore.Options) (metastore.Store, error) {
		return bolt.Open(opts)
	},
	"badger": func(opts metastore.Options) (metastore.Store, error) {
		return badger.Open(opts)
	},
	"control": func(opts metastore.Options) (metastore.Store, error) {
		return control.Open(opts)
	},
	"memory": func(metastore.Options) (metastore.Store, error) {
		return memory.New(), nil
	},
}

// List returns the provider names in sorted order.
func List() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open opens the provider registered as name.
func Open(name string, opts metastore.Options) (metastore.Store, error) {
	open, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", metastore.ErrUnknownProvider, name, List())
	}
	store, err := open(opts)
	if err != nil {
		return nil, fmt.Errorf("open %s metadata store: %w", name, err)
	}
	opts.Logger.Debug().Str("provider", name).Str("dir", opts.Dir).Msg("metadata store opened")
	return store, nil
}
