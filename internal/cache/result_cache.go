package cache

import (
	"bytes"
	"container/list"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultCapacity = 100
	DefaultTTL      = time.Hour
)

// Format selects the Export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

type settings struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// Option customizes a ResultCache.
type Option func(*settings)

// WithCapacity bounds the number of entries.
func WithCapacity(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithTTL sets how long an entry stays visible after insertion.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// Entry is one cached value with its insertion time.
type Entry[V any] struct {
	Key        string
	Value      V
	InsertedAt time.Time
}

// ResultCache is a bounded FIFO cache: once full, the earliest inserted
// entry is evicted regardless of reads. Entries older than the TTL are
// hidden from Get but only removed by eviction or Clear.
type ResultCache[V any] struct {
	mu    sync.Mutex
	cfg   settings
	order *list.List
	index map[string]*list.Element
}

// New returns an empty cache with capacity 100 and a one hour TTL unless
// overridden.
func New[V any](opts ...Option) *ResultCache[V] {
	cfg := settings{capacity: DefaultCapacity, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ResultCache[V]{
		cfg:   cfg,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Set stores value under key. Re-setting a key moves it to the newest
// position without evicting anything.
func (c *ResultCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.order.Remove(el)
		delete(c.index, key)
	}
	for c.order.Len() >= c.cfg.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*Entry[V]).Key)
	}
	c.index[key] = c.order.PushBack(&Entry[V]{Key: key, Value: value, InsertedAt: c.cfg.now()})
}

// Get returns the value for key if it was inserted less than TTL ago.
func (c *ResultCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.index[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*Entry[V])
	if !c.live(e) {
		return zero, false
	}
	return e.Value, true
}

func (c *ResultCache[V]) live(e *Entry[V]) bool {
	return c.cfg.now().Sub(e.InsertedAt) < c.cfg.ttl
}

// Len counts stored entries, expired ones included.
func (c *ResultCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear drops every entry.
func (c *ResultCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.index = make(map[string]*list.Element)
}

// Entries lists live entries from oldest to newest.
func (c *ResultCache[V]) Entries() []Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry[V], 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry[V])
		if c.live(e) {
			out = append(out, *e)
		}
	}
	return out
}

type exportRow struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp string          `json:"timestamp"`
}

// Export serializes live entries for offline inspection.
func (c *ResultCache[V]) Export(format Format) ([]byte, error) {
	entries := c.Entries()
	rows := make([]exportRow, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("cache: encode %q: %w", e.Key, err)
		}
		rows = append(rows, exportRow{
			Key:       e.Key,
			Value:     raw,
			Timestamp: e.InsertedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(rows, "", "  ")
	case FormatCSV, "":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		records := make([][]string, 0, len(rows)+1)
		records = append(records, []string{"key", "value", "timestamp"})
		for _, r := range rows {
			records = append(records, []string{r.Key, string(r.Value), r.Timestamp})
		}
		if err := w.WriteAll(records); err != nil {
			return nil, fmt.Errorf("cache: write csv: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("cache: unsupported export format %q", format)
	}
}
