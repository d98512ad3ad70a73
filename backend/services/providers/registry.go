package providers

import (
	"errors"
	"sync"
	"time"

	"github.com/primoscope/echotune-router/backend/services/breaker"
	"go.uber.org/zap"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when registering a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Entry bundles one provider with its runtime state. Entries are created at
// load time and never deleted; later mutation only flips status flags.
type Entry struct {
	Provider     Provider
	Keys         *KeyPool // nil for credential-less providers (mock)
	Breaker      *breaker.Breaker
	DefaultModel string
	Refreshable  bool

	Status        Status
	LastUsed      time.Time
	LastRefreshed time.Time
}

// Registry tracks the fixed, load-time-ordered set of providers and their
// runtime status. Ordering never changes after load.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*Entry
	logger  *zap.Logger
}

// NewRegistry creates an empty provider registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger,
	}
}

// Register adds a provider entry. Registration order is preserved and fixed.
func (r *Registry) Register(entry *Entry) error {
	if entry == nil || entry.Provider == nil {
		return errors.New("registry entry requires a provider")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := entry.Provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}
	if _, exists := r.entries[name]; exists {
		return ErrProviderAlreadyRegistered
	}

	if entry.Status == "" {
		if entry.Provider.IsAvailable() {
			entry.Status = StatusConnected
		} else {
			entry.Status = StatusUnconfigured
		}
	}

	r.order = append(r.order, name)
	r.entries[name] = entry

	r.logger.Info("provider registered",
		zap.String("provider", name),
		zap.String("status", string(entry.Status)),
		zap.String("default_model", entry.DefaultModel))
	return nil
}

// Get retrieves a provider entry by name
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return entry, nil
}

// Names returns all provider names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Available returns, in registration order, the providers that are configured
// for use and whose circuit breaker currently admits requests
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var available []string
	for _, name := range r.order {
		entry := r.entries[name]
		if !usableStatus(entry.Status) || !entry.Provider.IsAvailable() {
			continue
		}
		if entry.Breaker != nil && !entry.Breaker.CanExecute() {
			continue
		}
		available = append(available, name)
	}
	return available
}

// MarkStatus flips the runtime status flag for a provider
func (r *Registry) MarkStatus(name string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		return ErrProviderNotFound
	}
	if entry.Status != status {
		r.logger.Info("provider status changed",
			zap.String("provider", name),
			zap.String("from", string(entry.Status)),
			zap.String("to", string(status)))
	}
	entry.Status = status
	return nil
}

// MarkUsed records the last time a provider served a request
func (r *Registry) MarkUsed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[name]; exists {
		entry.LastUsed = time.Now()
	}
}

// MarkRefreshed records the last time a provider's credentials rotated
func (r *Registry) MarkRefreshed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[name]; exists {
		entry.LastRefreshed = time.Now()
	}
}

// EntryView is a copied, race-free view of one registry entry
type EntryView struct {
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	DefaultModel  string    `json:"default_model"`
	Refreshable   bool      `json:"refreshable"`
	KeyCount      int       `json:"key_count"`
	LastUsed      time.Time `json:"last_used,omitempty"`
	LastRefreshed time.Time `json:"last_refreshed,omitempty"`
}

// Snapshot returns entry views in registration order
func (r *Registry) Snapshot() []EntryView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]EntryView, 0, len(r.order))
	for _, name := range r.order {
		entry := r.entries[name]
		view := EntryView{
			Name:          name,
			Status:        entry.Status,
			DefaultModel:  entry.DefaultModel,
			Refreshable:   entry.Refreshable,
			LastUsed:      entry.LastUsed,
			LastRefreshed: entry.LastRefreshed,
		}
		if entry.Keys != nil {
			view.KeyCount = entry.Keys.Size()
		}
		views = append(views, view)
	}
	return views
}

// Count returns the number of registered providers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// usableStatus reports whether a status admits traffic. Degraded providers
// still take requests; the breaker decides whether calls actually go out.
func usableStatus(s Status) bool {
	return s == StatusConnected || s == StatusDegraded
}
