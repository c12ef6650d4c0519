// Package cache provides a tiered key/value cache used to avoid redundant
// expensive fetches from the CMS API and rendered pages. The fast tier is a
// bounded in-memory LRU with TTL expiry; the optional slow tier persists
// entries as JSON files. Values are opaque byte slices; callers own their
// serialization.
package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pagesmith/pagesmith/log"
)

// Mode selects which tiers are active.
type Mode int

const (
	// ModeMemory keeps entries only in the in-memory LRU tier.
	ModeMemory Mode = iota
	// ModeFile keeps entries only in the file-backed tier.
	ModeFile
	// ModeHybrid uses both tiers, promoting file hits into memory.
	ModeHybrid
)

func (m Mode) String() string {
	switch m {
	case ModeMemory:
		return "memory"
	case ModeFile:
		return "file"
	case ModeHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// ParseMode maps a configuration string to a Mode, defaulting to memory.
func ParseMode(s string) Mode {
	switch s {
	case "file":
		return ModeFile
	case "hybrid":
		return ModeHybrid
	default:
		return ModeMemory
	}
}

// EventType identifies a cache lifecycle event.
type EventType string

const (
	EventHit     EventType = "hit"
	EventMiss    EventType = "miss"
	EventSet     EventType = "set"
	EventDelete  EventType = "delete"
	EventExpired EventType = "expired"
	EventClear   EventType = "clear"
)

// Event is delivered to subscribers on every cache operation.
type Event struct {
	Type      EventType `json:"type"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}

var ErrCacheClosed = errors.New("cache is closed")

// Config holds cache sizing, expiry, and file-tier settings.
type Config struct {
	Mode Mode
	// TTL is the maximum entry age in either tier.
	TTL time.Duration
	// MaxEntries bounds the in-memory tier.
	MaxEntries int
	// Dir and FilePrefix locate file-tier entries; each is a JSON file
	// named FilePrefix + sha1(key).
	Dir        string
	FilePrefix string
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Mode:       ModeMemory,
		TTL:        5 * time.Minute,
		MaxEntries: 500,
		FilePrefix: "pagesmith-cache-",
	}
}

type memEntry struct {
	key      string
	value    []byte
	cachedAt time.Time
	// prev/next form the LRU list, most recent at head.
	prev, next *memEntry
}

// fileEntry is the on-disk representation of one cached value.
type fileEntry struct {
	Value    []byte    `json:"value"`
	CachedAt time.Time `json:"cached_at"`
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int     `json:"entries"`
	MaxEntries  int     `json:"max_entries"`
	Hits        int64   `json:"hits"`
	FileHits    int64   `json:"file_hits"`
	Misses      int64   `json:"misses"`
	Expirations int64   `json:"expirations"`
	Evictions   int64   `json:"evictions"`
	HitRatio    float64 `json:"hit_ratio"`
}

// TieredCache is a TTL+LRU cache with an optional file-backed tier. It owns
// entry storage in both tiers exclusively.
type TieredCache struct {
	mu    sync.Mutex
	cfg   Config
	index map[string]*memEntry
	head  *memEntry // most recently used
	tail  *memEntry // least recently used

	subs      map[int]chan Event
	nextSubID int

	hits        int64
	fileHits    int64
	misses      int64
	expirations int64
	evictions   int64

	wg     sync.WaitGroup
	closed bool
}

// New creates a tiered cache. For file and hybrid modes the backing
// directory is created if missing; directory creation failure degrades the
// cache to memory mode with a logged warning.
func New(cfg Config) *TieredCache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = DefaultConfig().FilePrefix
	}

	if cfg.Mode != ModeMemory {
		if cfg.Dir == "" {
			cfg.Dir = filepath.Join(os.TempDir(), "pagesmith-cache")
		}
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			log.WarningLog.Printf("cache: failed to create %s, falling back to memory mode: %v", cfg.Dir, err)
			cfg.Mode = ModeMemory
		}
	}

	return &TieredCache{
		cfg:   cfg,
		index: make(map[string]*memEntry),
		subs:  make(map[int]chan Event),
	}
}

func (c *TieredCache) memoryTier() bool { return c.cfg.Mode != ModeFile }
func (c *TieredCache) fileTier() bool   { return c.cfg.Mode != ModeMemory }

// Get returns the cached value for key. The memory tier is checked first;
// on miss an enabled file tier is consulted and, in hybrid mode, fresh file
// entries are promoted into memory. An entry older than the TTL is never
// returned; observed-expired entries are removed from their tier.
func (c *TieredCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false
	}

	now := time.Now()
	if e, ok := c.index[key]; ok {
		if now.Sub(e.cachedAt) <= c.cfg.TTL {
			c.moveToFrontLocked(e)
			c.hits++
			c.emitLocked(EventHit, key)
			return e.value, true
		}
		c.removeEntryLocked(e)
		c.expirations++
		if c.fileTier() {
			c.removeFileLocked(key)
		}
		c.emitLocked(EventExpired, key)
		c.misses++
		c.emitLocked(EventMiss, key)
		return nil, false
	}

	if c.fileTier() {
		if value, cachedAt, ok := c.readFileLocked(key); ok {
			if now.Sub(cachedAt) > c.cfg.TTL {
				c.removeFileLocked(key)
				c.expirations++
				c.emitLocked(EventExpired, key)
			} else {
				if c.cfg.Mode == ModeHybrid {
					c.insertLocked(key, value, cachedAt)
				}
				c.hits++
				c.fileHits++
				c.emitLocked(EventHit, key)
				return value, true
			}
		}
	}

	c.misses++
	c.emitLocked(EventMiss, key)
	return nil, false
}

// Set stores value under key in every enabled tier. The file-tier write is
// asynchronous; its failure is logged, never surfaced.
func (c *TieredCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	now := time.Now()
	if c.memoryTier() {
		if e, ok := c.index[key]; ok {
			e.value = value
			e.cachedAt = now
			c.moveToFrontLocked(e)
		} else {
			c.insertLocked(key, value, now)
		}
	}

	if c.fileTier() {
		path := c.filePath(key)
		entry := fileEntry{Value: value, CachedAt: now}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			data, err := json.Marshal(entry)
			if err != nil {
				log.WarningLog.Printf("cache: failed to marshal entry for %s: %v", key, err)
				return
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				log.WarningLog.Printf("cache: failed to write %s: %v", path, err)
			}
		}()
	}

	c.emitLocked(EventSet, key)
}

// Delete removes key from both tiers. Backing-tier removal failures are
// swallowed.
func (c *TieredCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if e, ok := c.index[key]; ok {
		c.removeEntryLocked(e)
	}
	if c.fileTier() {
		c.removeFileLocked(key)
	}
	c.emitLocked(EventDelete, key)
}

// Clear removes every entry from both tiers.
func (c *TieredCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.index = make(map[string]*memEntry)
	c.head = nil
	c.tail = nil

	if c.fileTier() {
		pattern := filepath.Join(c.cfg.Dir, c.cfg.FilePrefix+"*")
		matches, err := filepath.Glob(pattern)
		if err == nil {
			for _, path := range matches {
				if err := os.Remove(path); err != nil {
					log.DebugLog.Printf("cache: failed to remove %s: %v", path, err)
				}
			}
		}
	}
	c.emitLocked(EventClear, "")
}

// Subscribe registers an event listener with the given channel buffer.
// Events for slow subscribers are dropped, never blocked on. The returned
// cancel function closes the channel.
func (c *TieredCache) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	ch := make(chan Event, buffer)
	c.subs[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Stats returns current cache counters.
func (c *TieredCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:     len(c.index),
		MaxEntries:  c.cfg.MaxEntries,
		Hits:        c.hits,
		FileHits:    c.fileHits,
		Misses:      c.misses,
		Expirations: c.expirations,
		Evictions:   c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	return s
}

// Shutdown waits for in-flight file writes and closes all subscriber
// channels. The cache cannot be used afterwards.
func (c *TieredCache) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// insertLocked adds a fresh entry at the LRU head, evicting the tail when
// the memory tier is full. The caller must hold c.mu.
func (c *TieredCache) insertLocked(key string, value []byte, cachedAt time.Time) {
	for len(c.index) >= c.cfg.MaxEntries && c.tail != nil {
		evicted := c.tail
		c.removeEntryLocked(evicted)
		c.evictions++
		c.emitLocked(EventDelete, evicted.key)
	}

	e := &memEntry{key: key, value: value, cachedAt: cachedAt}
	c.index[key] = e
	c.pushFrontLocked(e)
}

func (c *TieredCache) pushFrontLocked(e *memEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *TieredCache) moveToFrontLocked(e *memEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushFrontLocked(e)
}

func (c *TieredCache) unlinkLocked(e *memEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if c.head == e {
		c.head = e.next
	}
	if c.tail == e {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *TieredCache) removeEntryLocked(e *memEntry) {
	c.unlinkLocked(e)
	delete(c.index, e.key)
}

func (c *TieredCache) filePath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(c.cfg.Dir, c.cfg.FilePrefix+hex.EncodeToString(sum[:]))
}

func (c *TieredCache) readFileLocked(key string) (value []byte, cachedAt time.Time, ok bool) {
	data, err := os.ReadFile(c.filePath(key))
	if err != nil {
		if !os.IsNotExist(err) {
			log.DebugLog.Printf("cache: failed to read entry for %s: %v", key, err)
		}
		return nil, time.Time{}, false
	}
	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.DebugLog.Printf("cache: corrupt entry for %s, removing: %v", key, err)
		c.removeFileLocked(key)
		return nil, time.Time{}, false
	}
	return entry.Value, entry.CachedAt, true
}

func (c *TieredCache) removeFileLocked(key string) {
	if err := os.Remove(c.filePath(key)); err != nil && !os.IsNotExist(err) {
		log.DebugLog.Printf("cache: failed to remove entry for %s: %v", key, err)
	}
}

// emitLocked fans an event out to all subscribers without blocking. The
// caller must hold c.mu.
func (c *TieredCache) emitLocked(typ EventType, key string) {
	if len(c.subs) == 0 {
		return
	}
	ev := Event{Type: typ, Key: key, Timestamp: time.Now()}
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
