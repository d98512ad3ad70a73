package providers

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoCredentials is returned when a pool is constructed without keys
	ErrNoCredentials = errors.New("key pool requires at least one credential")

	// ErrPoolExhausted is returned when every credential is cooling down.
	// The caller must mark the provider key_expired.
	ErrPoolExhausted = errors.New("key pool exhausted: all credentials cooling down")
)

// keyEntry tracks one credential's failure history
type keyEntry struct {
	credential    string
	failures      int
	coolDownUntil time.Time
}

func (e *keyEntry) usable(now time.Time) bool {
	return !now.Before(e.coolDownUntil)
}

// KeyPool holds the ordered credential set for one provider and rotates on
// reported failure. The cursor always points at a credential that is either
// untested or whose cool-down has elapsed; if no such credential exists the
// pool reports exhaustion.
type KeyPool struct {
	mu        sync.Mutex
	entries   []*keyEntry
	cursor    int
	baseDelay time.Duration
	maxDelay  time.Duration

	now func() time.Time // overridable in tests
}

// NewKeyPool creates a pool over the ordered credential list
func NewKeyPool(credentials []string, baseDelay, maxDelay time.Duration) (*KeyPool, error) {
	if len(credentials) == 0 {
		return nil, ErrNoCredentials
	}

	entries := make([]*keyEntry, 0, len(credentials))
	for _, c := range credentials {
		entries = append(entries, &keyEntry{credential: c})
	}

	return &KeyPool{
		entries:   entries,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		now:       time.Now,
	}, nil
}

// Current returns the credential at the cursor, advancing past entries whose
// cool-down has not elapsed. Returns ErrPoolExhausted when none is usable.
func (p *KeyPool) Current() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.advanceToUsable()
	if err != nil {
		return "", err
	}
	return entry.credential, nil
}

// ReportFailure penalizes the given credential and advances the cursor.
// Reporting is idempotent per failure: a credential already cooling down is
// not penalized again, so double-reporting one failed call cannot
// double-penalize.
func (p *KeyPool) ReportFailure(credential string, reason error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, entry := range p.entries {
		if entry.credential != credential {
			continue
		}
		if !entry.usable(now) {
			// Already penalized for this failure window
			break
		}
		entry.failures++
		entry.coolDownUntil = now.Add(p.coolDown(entry.failures))
		break
	}

	_, err := p.advanceToUsable()
	return err
}

// Next advances the cursor to the next usable credential and returns it
func (p *KeyPool) Next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cursor = (p.cursor + 1) % len(p.entries)
	entry, err := p.advanceToUsable()
	if err != nil {
		return "", err
	}
	return entry.credential, nil
}

// Exhausted reports whether every credential is currently cooling down
func (p *KeyPool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, entry := range p.entries {
		if entry.usable(now) {
			return false
		}
	}
	return true
}

// Size returns the number of credentials in the pool
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// advanceToUsable moves the cursor forward until it points at a usable
// credential, wrapping at most once; caller holds the lock
func (p *KeyPool) advanceToUsable() (*keyEntry, error) {
	now := p.now()
	for i := 0; i < len(p.entries); i++ {
		idx := (p.cursor + i) % len(p.entries)
		if p.entries[idx].usable(now) {
			p.cursor = idx
			return p.entries[idx], nil
		}
	}
	return nil, ErrPoolExhausted
}

// coolDown computes min(2^failures * baseDelay, maxDelay)
func (p *KeyPool) coolDown(failures int) time.Duration {
	d := p.baseDelay
	for i := 0; i < failures && d < p.maxDelay; i++ {
		d *= 2
	}
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}
