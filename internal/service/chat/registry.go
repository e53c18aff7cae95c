package chat

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/service/auth"
	"github.com/zhouzirui/chat-canvas/backend/internal/service/generation"
	"github.com/zhouzirui/chat-canvas/backend/internal/store"
)

// NavigatorFactory builds the navigator that reaches an identity's views.
type NavigatorFactory func(identity string) Navigator

// Registry keeps one reconciler per signed-in identity. Reconcilers that
// have been idle for the configured TTL are evicted and closed.
type Registry struct {
	store  store.Store
	gen    generation.Client
	navFor NavigatorFactory
	logger *zap.Logger

	mu    sync.Mutex
	items *cache.Cache
}

// NewRegistry creates a registry. A zero idleTTL keeps reconcilers until
// they are dropped.
func NewRegistry(st store.Store, gen generation.Client, navFor NavigatorFactory, idleTTL time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	expiry, cleanup := idleTTL, idleTTL/2
	if idleTTL <= 0 {
		expiry, cleanup = cache.NoExpiration, 0
	}

	r := &Registry{
		store:  st,
		gen:    gen,
		navFor: navFor,
		logger: logger.Named("registry"),
		items:  cache.New(expiry, cleanup),
	}
	r.items.OnEvicted(func(identity string, v any) {
		r.logger.Debug("reconciler evicted", zap.String("identity", identity))
		v.(*Reconciler).Close()
	})
	return r
}

// Get returns the identity's reconciler, creating and loading it if needed.
func (r *Registry) Get(ctx context.Context, identity string) (*Reconciler, error) {
	if identity == "" {
		return nil, ErrNoIdentity
	}

	rec := r.getOrCreate(identity)
	if !rec.Loaded() {
		if err := rec.Load(ctx, identity); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Peek returns the identity's reconciler without creating it.
func (r *Registry) Peek(identity string) (*Reconciler, bool) {
	v, ok := r.items.Get(identity)
	if !ok {
		return nil, false
	}
	return v.(*Reconciler), true
}

func (r *Registry) getOrCreate(identity string) *Reconciler {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.items.Get(identity); ok {
		rec := v.(*Reconciler)
		r.items.SetDefault(identity, rec)
		return rec
	}

	var nav Navigator
	if r.navFor != nil {
		nav = r.navFor(identity)
	}
	rec := NewReconciler(r.store, r.gen, nav, r.logger)
	r.items.SetDefault(identity, rec)
	r.logger.Debug("reconciler created", zap.String("identity", identity))
	return rec
}

// Drop closes and forgets the identity's reconciler.
func (r *Registry) Drop(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Delete runs the eviction callback, which closes the reconciler.
	r.items.Delete(identity)
}

// Len reports how many reconcilers are held.
func (r *Registry) Len() int {
	return r.items.ItemCount()
}

// Watch applies authentication events until ctx is done or events closes.
func (r *Registry) Watch(ctx context.Context, events <-chan auth.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			r.apply(ctx, evt)
		}
	}
}

func (r *Registry) apply(ctx context.Context, evt auth.Event) {
	identity := evt.Identity.ID
	if identity == "" {
		return
	}
	switch evt.Type {
	case auth.EventSignedOut:
		r.Drop(identity)
		r.logger.Info("reconciler dropped after sign out", zap.String("identity", identity))
	case auth.EventSignedIn:
		if _, err := r.Get(ctx, identity); err != nil {
			r.logger.Warn("failed to prepare sessions after sign in", zap.String("identity", identity), zap.Error(err))
		}
	}
}

// Close drops every reconciler.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for identity := range r.items.Items() {
		r.items.Delete(identity)
	}
}
