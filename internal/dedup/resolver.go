package dedup

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dreamware/failsafe/internal/masterfile"
	"github.com/dreamware/failsafe/internal/storage"
)

// Resolver locates the store of the current master.
type Resolver interface {
	Store(ctx context.Context) (storage.Store, error)
	// Invalidate drops any cached master so the next Store call resolves again.
	Invalidate()
}

// StaticResolver always returns the same store.
type StaticResolver struct {
	S storage.Store
}

func (r StaticResolver) Store(context.Context) (storage.Store, error) { return r.S, nil }

func (r StaticResolver) Invalidate() {}

// StoreOpener opens a store for a master address.
type StoreOpener func(addr string) storage.Store

// MasterFileResolver reads the master of one system from the local master
// file written by the configuration client.
type MasterFileResolver struct {
	file   *masterfile.File
	system string
	open   StoreOpener
	log    *zap.SugaredLogger

	mu    sync.Mutex
	addr  string
	store storage.Store
}

// NewMasterFileResolver creates a resolver for system. A nil opener opens
// RedisStores with opts.
func NewMasterFileResolver(file *masterfile.File, system string, opts storage.RedisOptions, open StoreOpener, log *zap.Logger) *MasterFileResolver {
	if open == nil {
		open = func(addr string) storage.Store { return storage.NewRedisStore(addr, opts) }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MasterFileResolver{file: file, system: system, open: open, log: log.Sugar()}
}

// Store returns the store of the master currently recorded in the file.
func (r *MasterFileResolver) Store(context.Context) (storage.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		return r.store, nil
	}
	addr, err := r.file.Master(r.system)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		return nil, errors.Newf("no redis master of system %q in %s", r.system, r.file.Path())
	}
	if addr != r.addr {
		r.log.Infof("Using redis master %s for system %s", addr, r.system)
	}
	r.addr = addr
	r.store = r.open(addr)
	return r.store, nil
}

// Addr returns the master address last resolved.
func (r *MasterFileResolver) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

func (r *MasterFileResolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		_ = r.store.Close()
		r.store = nil
	}
}

// Watch invalidates the cached master whenever the master file changes,
// until ctx is done.
func (r *MasterFileResolver) Watch(ctx context.Context) error {
	return masterfile.Watch(ctx, r.file.Path(), nil, r.Invalidate)
}

// Close releases the cached store.
func (r *MasterFileResolver) Close() error {
	r.Invalidate()
	return nil
}
