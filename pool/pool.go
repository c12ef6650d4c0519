// Package pool bounds the number of live handles to expensive external
// resources: remote CMS API clients and headless browser sessions. Handles
// are keyed by a fingerprint of their configuration so that identically
// configured callers transparently share one handle, while the per-kind cap
// is enforced by least-recently-used eviction.
package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pagesmith/pagesmith/log"
)

// Kind identifies a class of pooled resource.
type Kind int

const (
	APIClient Kind = iota
	Browser
)

func (k Kind) String() string {
	switch k {
	case APIClient:
		return "api"
	case Browser:
		return "browser"
	default:
		return "unknown"
	}
}

var (
	ErrPoolClosed    = errors.New("pool is closed")
	ErrNoFactory     = errors.New("no factory registered for resource kind")
	ErrPoolExhausted = errors.New("all pooled resources are checked out")
)

// DefaultFingerprint is the key used when a resource is requested with no
// options. Such handles are shared across all default-configured callers and
// are exempt from idle reaping.
const DefaultFingerprint = "default"

// Fingerprint computes the deterministic pool key for a set of resource
// options. encoding/json sorts map keys, so equal option maps always produce
// equal fingerprints, including nested maps.
func Fingerprint(opts map[string]any) string {
	if len(opts) == 0 {
		return DefaultFingerprint
	}
	data, err := json.Marshal(opts)
	if err != nil {
		// Options that cannot be serialized (channels, funcs) fall back
		// to the shared handle rather than failing the acquisition.
		log.WarningLog.Printf("pool: unserializable options, using %s fingerprint: %v", DefaultFingerprint, err)
		return DefaultFingerprint
	}
	return string(data)
}

// Factory constructs a new handle for the given fingerprint and options.
type Factory func(fingerprint string, opts map[string]any) (any, error)

// Closer releases the underlying resource behind a handle.
type Closer func(handle any) error

// Config holds pool capacities and the per-kind constructors.
type Config struct {
	MaxAPIClients int
	MaxBrowsers   int

	// IdleTimeout is the age past which an unused handle is reaped.
	IdleTimeout time.Duration
	// ReapInterval is how often the background reaper sweeps. Zero
	// disables the background reaper; ReapIdle can still be called
	// directly.
	ReapInterval time.Duration

	NewAPIClient Factory
	NewBrowser   Factory
	// CloseBrowser is invoked, best effort, when a browser handle is
	// evicted or released. Close failures are logged, never returned.
	CloseBrowser Closer
}

// DefaultConfig returns the default pool configuration. Factories must be
// supplied by the caller.
func DefaultConfig() Config {
	return Config{
		MaxAPIClients: 5,
		MaxBrowsers:   2,
		IdleTimeout:   5 * time.Minute,
		ReapInterval:  time.Minute,
	}
}

// Handle is a checked-out pooled resource. Callers must not close the
// underlying value themselves; they return it with Checkin or remove it with
// Release.
type Handle struct {
	Kind        Kind
	Fingerprint string
	Value       any
}

type entry struct {
	fingerprint string
	kind        Kind
	handle      any
	createdAt   time.Time
	lastUsedAt  time.Time
	refs        int
}

// Pool owns the lifetime of every handle it creates. The per-kind invariant
// is count(live handles) <= cap at all times; the victim at capacity is the
// entry with the smallest lastUsedAt among entries not currently checked out.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	entries map[Kind]map[string]*entry

	evictions uint64
	reaped    uint64
	reapEvery *log.Every

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a pool and, if ReapInterval is set, starts its idle reaper.
func New(cfg Config) *Pool {
	if cfg.MaxAPIClients <= 0 {
		cfg.MaxAPIClients = DefaultConfig().MaxAPIClients
	}
	if cfg.MaxBrowsers <= 0 {
		cfg.MaxBrowsers = DefaultConfig().MaxBrowsers
	}

	p := &Pool{
		cfg:     cfg,
		entries: map[Kind]map[string]*entry{
			APIClient: make(map[string]*entry),
			Browser:   make(map[string]*entry),
		},
		reapEvery: log.NewEvery(time.Minute),
		stopCh:    make(chan struct{}),
	}

	if cfg.ReapInterval > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}

	return p
}

func (p *Pool) capacity(kind Kind) int {
	if kind == Browser {
		return p.cfg.MaxBrowsers
	}
	return p.cfg.MaxAPIClients
}

func (p *Pool) factory(kind Kind) Factory {
	if kind == Browser {
		return p.cfg.NewBrowser
	}
	return p.cfg.NewAPIClient
}

// Acquire returns the live handle matching the options' fingerprint,
// creating one if necessary. Reuse refreshes the entry's recency. When the
// kind is at capacity the least-recently-used idle entry is evicted first;
// if every entry is checked out, Acquire returns ErrPoolExhausted rather
// than exceeding the cap.
func (p *Pool) Acquire(kind Kind, opts map[string]any) (*Handle, error) {
	fp := Fingerprint(opts)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	kindEntries := p.entries[kind]
	if e, ok := kindEntries[fp]; ok {
		e.lastUsedAt = time.Now()
		e.refs++
		return &Handle{Kind: kind, Fingerprint: fp, Value: e.handle}, nil
	}

	// Check the factory before picking an eviction victim so a
	// misconfigured kind cannot destroy a live handle and then fail anyway.
	factory := p.factory(kind)
	if factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFactory, kind)
	}

	if len(kindEntries) >= p.capacity(kind) {
		victim := p.lruVictimLocked(kind)
		if victim == nil {
			return nil, fmt.Errorf("%w: %s pool at capacity %d", ErrPoolExhausted, kind, p.capacity(kind))
		}
		p.evictLocked(victim)
		p.evictions++
	}

	handle, err := factory(fp, opts)
	if err != nil {
		return nil, fmt.Errorf("creating %s handle: %w", kind, err)
	}

	now := time.Now()
	kindEntries[fp] = &entry{
		fingerprint: fp,
		kind:        kind,
		handle:      handle,
		createdAt:   now,
		lastUsedAt:  now,
		refs:        1,
	}
	// The fingerprint embeds the caller's options, which may include a
	// credentialed endpoint URL.
	log.DebugLog.Printf("pool: created %s handle %s", kind, log.SanitizeURLs(fp))

	return &Handle{Kind: kind, Fingerprint: fp, Value: handle}, nil
}

// Checkin returns a checked-out handle to the pool. Checking in an unknown
// fingerprint is a no-op.
func (p *Pool) Checkin(kind Kind, fingerprint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[kind][fingerprint]
	if !ok {
		return
	}
	e.lastUsedAt = time.Now()
	if e.refs > 0 {
		e.refs--
	}
}

// Release removes the entry unconditionally if present, closing browser
// handles first. Releasing a nonexistent key is a no-op, not an error.
func (p *Pool) Release(kind Kind, fingerprint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[kind][fingerprint]
	if !ok {
		return
	}
	p.evictLocked(e)
}

// ReapIdle evicts every idle entry whose last use is older than maxIdle,
// skipping the shared default handles and anything currently checked out.
// It returns the number of entries evicted.
func (p *Pool) ReapIdle(maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	count := 0
	for _, kindEntries := range p.entries {
		for _, e := range kindEntries {
			if e.fingerprint == DefaultFingerprint {
				continue
			}
			if e.refs > 0 {
				continue
			}
			if now.Sub(e.lastUsedAt) > maxIdle {
				p.evictLocked(e)
				count++
			}
		}
	}
	p.reaped += uint64(count)
	if count > 0 && p.reapEvery.ShouldLog() {
		log.InfoLog.Printf("pool: reaped %d idle handle(s)", count)
	}
	return count
}

// evictLocked removes an entry from its kind map, closing browser handles
// asynchronously. The caller must hold p.mu.
func (p *Pool) evictLocked(e *entry) {
	delete(p.entries[e.kind], e.fingerprint)

	if e.kind == Browser && p.cfg.CloseBrowser != nil {
		handle := e.handle
		fp := e.fingerprint
		closer := p.cfg.CloseBrowser
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := closer(handle); err != nil {
				log.WarningLog.Printf("pool: failed to close browser handle %s: %v", fp, err)
			}
		}()
	}
	log.DebugLog.Printf("pool: evicted %s handle %s", e.kind, log.SanitizeURLs(e.fingerprint))
}

// lruVictimLocked selects the entry with the smallest lastUsedAt among
// entries of the kind that are not checked out. Returns nil if none is
// evictable. The caller must hold p.mu.
func (p *Pool) lruVictimLocked(kind Kind) *entry {
	var victim *entry
	for _, e := range p.entries[kind] {
		if e.refs > 0 {
			continue
		}
		if victim == nil || e.lastUsedAt.Before(victim.lastUsedAt) {
			victim = e
		}
	}
	return victim
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.ReapIdle(p.cfg.IdleTimeout)
		case <-p.stopCh:
			return
		}
	}
}

// EntryStats describes one live pooled handle.
type EntryStats struct {
	Fingerprint string        `json:"fingerprint"`
	Refs        int           `json:"refs"`
	Age         time.Duration `json:"age"`
	Idle        time.Duration `json:"idle"`
}

// KindStats is a read-only snapshot of one resource kind.
type KindStats struct {
	Active  int          `json:"active"`
	Max     int          `json:"max"`
	Entries []EntryStats `json:"entries"`
}

// Stats returns a read-only snapshot of the pool. It has no side effects.
func (p *Pool) Stats() map[string]KindStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make(map[string]KindStats, len(p.entries))
	for kind, kindEntries := range p.entries {
		ks := KindStats{
			Active: len(kindEntries),
			Max:    p.capacity(kind),
		}
		for _, e := range kindEntries {
			ks.Entries = append(ks.Entries, EntryStats{
				Fingerprint: e.fingerprint,
				Refs:        e.refs,
				Age:         now.Sub(e.createdAt),
				Idle:        now.Sub(e.lastUsedAt),
			})
		}
		out[kind.String()] = ks
	}
	return out
}

// Shutdown stops the reaper and releases every live handle. The pool cannot
// be used afterwards.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)

	for _, kindEntries := range p.entries {
		for _, e := range kindEntries {
			p.evictLocked(e)
		}
	}
	p.mu.Unlock()

	p.wg.Wait()
}
