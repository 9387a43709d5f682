package cache

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/coocood/freecache"
)

// DefaultArtifactBytes sizes the artifact store; freecache caps a single
// entry at 1/1024 of it.
const DefaultArtifactBytes = 128 * 1024 * 1024

// ErrArtifactMissing is returned when an artifact was never stored or was evicted.
var ErrArtifactMissing = errors.New("cache: artifact not found")

// ArtifactStore keeps intermediate preprocessing rasters as PNG, keyed by
// correlation id, frame ordinal and stage. Memory is bounded in bytes and
// old artifacts are overwritten when it fills up.
type ArtifactStore struct {
	cache *freecache.Cache
	ttl   time.Duration
}

// NewArtifactStore allocates a store of size bytes whose entries expire after ttl.
func NewArtifactStore(size int, ttl time.Duration) *ArtifactStore {
	if size <= 0 {
		size = DefaultArtifactBytes
	}
	return &ArtifactStore{cache: freecache.NewCache(size), ttl: ttl}
}

// ArtifactKey formats the key of one stage of one frame.
func ArtifactKey(correlationID string, ordinal int, stage string) string {
	return fmt.Sprintf("%s:frame:%d:%s", correlationID, ordinal, stage)
}

// Put encodes img and stores it under key.
func (s *ArtifactStore) Put(key string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("cache: encode artifact %s: %w", key, err)
	}
	if err := s.cache.Set([]byte(key), buf.Bytes(), s.expireSeconds()); err != nil {
		return fmt.Errorf("cache: store artifact %s: %w", key, err)
	}
	return nil
}

// Get decodes the artifact stored under key.
func (s *ArtifactStore) Get(key string) (image.Image, error) {
	raw, err := s.cache.Get([]byte(key))
	if errors.Is(err, freecache.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, key)
	}
	if err != nil {
		return nil, err
	}
	return png.Decode(bytes.NewReader(raw))
}

// Len is the number of stored artifacts.
func (s *ArtifactStore) Len() int64 {
	return s.cache.EntryCount()
}

// Clear drops every artifact.
func (s *ArtifactStore) Clear() {
	s.cache.Clear()
}

func (s *ArtifactStore) expireSeconds() int {
	if s.ttl <= 0 {
		return 0
	}
	return max(1, int(s.ttl/time.Second))
}
