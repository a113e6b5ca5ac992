// Package protocol holds the industrial-protocol descriptors, the
// instruction encoder and its memo cache. Descriptors are admin-authored
// documents loaded lazily from the store and kept for the process lifetime.
package protocol

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/dtufleet/uartcenter/internal/model"
)

// Loader fetches a protocol descriptor by name from persistent storage.
type Loader func(ctx context.Context, name string) (*model.Protocol, error)

// Registry maps protocol name to descriptor. Entries load lazily on first
// Get and live until replaced by Put; there is no TTL.
type Registry struct {
	log     hclog.Logger
	loader  Loader
	builder *Builder

	mu    sync.Mutex
	byKey map[string]*model.Protocol
}

// NewRegistry creates a Registry backed by loader. Put invalidates the
// builder's encodings for the replaced protocol.
func NewRegistry(log hclog.Logger, loader Loader, builder *Builder) *Registry {
	return &Registry{
		log:     log.Named("protocols"),
		loader:  loader,
		builder: builder,
		byKey:   make(map[string]*model.Protocol),
	}
}

// Get returns the descriptor for name, loading it from storage on first
// use. A storage miss or error returns nil; the caller treats it as an
// unknown protocol and skips.
func (r *Registry) Get(ctx context.Context, name string) *model.Protocol {
	r.mu.Lock()
	p, ok := r.byKey[name]
	r.mu.Unlock()
	if ok {
		return p
	}

	loaded, err := r.loader(ctx, name)
	if err != nil {
		r.log.Warn("protocol load failed", "protocol", name, "error", err)
		return nil
	}
	if loaded == nil {
		return nil
	}

	r.mu.Lock()
	// A concurrent Get may have installed it already; keep the first.
	if cur, ok := r.byKey[name]; ok {
		loaded = cur
	} else {
		r.byKey[name] = loaded
	}
	r.mu.Unlock()
	return loaded
}

// Put installs or replaces a descriptor and evicts every instruction
// encoding built against the previous version.
func (r *Registry) Put(p *model.Protocol) {
	r.mu.Lock()
	r.byKey[p.Protocol] = p
	r.mu.Unlock()
	r.builder.InvalidatePrefix(p.Protocol)
}
