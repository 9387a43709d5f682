package cache

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCapacityEvictsFirstInserted(t *testing.T) {
	c := New[int]()
	for i := 0; i < 101; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	assert.Equal(t, 100, c.Len())
	_, ok := c.Get("k0")
	assert.False(t, ok)
	v, ok := c.Get("k100")
	require.True(t, ok)
	assert.Equal(t, 100, v)
}

func TestEvictionIgnoresReads(t *testing.T) {
	c := New[string](WithCapacity(2))
	c.Set("a", "1")
	c.Set("b", "2")
	_, _ = c.Get("a")
	c.Set("c", "3")

	_, ok := c.Get("a")
	assert.False(t, ok, "reads do not refresh insertion order")
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestResetKeyDoesNotEvict(t *testing.T) {
	c := New[string](WithCapacity(2))
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("a", "3")
	assert.Equal(t, 2, c.Len())
	v, _ := c.Get("a")
	assert.Equal(t, "3", v)

	c.Set("c", "4")
	_, ok := c.Get("b")
	assert.False(t, ok, "b is now the oldest insertion")
}

func TestExpiryOccludesButKeeps(t *testing.T) {
	clock := newClock()
	c := New[string](WithClock(clock.now))
	c.Set("key", "value")

	clock.advance(3599999 * time.Millisecond)
	_, ok := c.Get("key")
	assert.True(t, ok)

	clock.advance(2 * time.Millisecond) // 3,600,001 ms after insertion
	_, ok = c.Get("key")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "stale entries are not purged by Get")
}

func TestClear(t *testing.T) {
	c := New[int]()
	c.Set("a", 1)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

type record struct {
	Symbol     string  `json:"symbol"`
	Confidence float64 `json:"confidence"`
}

func TestExportFormats(t *testing.T) {
	clock := newClock()
	c := New[record](WithClock(clock.now))
	c.Set("old", record{Symbol: "ℍ", Confidence: 91})
	clock.advance(2 * time.Hour)
	c.Set("run-1:frame:0", record{Symbol: "ℎ", Confidence: 88.5})

	out, err := c.Export(FormatCSV)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2, "expired entries are not exported")
	assert.Equal(t, "key,value,timestamp", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "run-1:frame:0,"))
	assert.Contains(t, lines[1], "2024-05-01T14:00:00Z")

	out, err = c.Export(FormatJSON)
	require.NoError(t, err)
	var rows []struct {
		Key   string `json:"key"`
		Value record `json:"value"`
	}
	require.NoError(t, json.Unmarshal(out, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "ℎ", rows[0].Value.Symbol)

	_, err = c.Export("xml")
	assert.Error(t, err)
}

func TestExportEmptyCache(t *testing.T) {
	out, err := New[int]().Export(FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "key,value,timestamp\n", string(out))
}

func TestArtifactStoreRoundTrip(t *testing.T) {
	store := NewArtifactStore(1<<20, time.Hour)
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.SetNRGBA(1, 1, color.NRGBA{R: 255, A: 255})

	key := ArtifactKey("run-7", 2, "threshold")
	assert.Equal(t, "run-7:frame:2:threshold", key)
	require.NoError(t, store.Put(key, img))
	assert.EqualValues(t, 1, store.Len())

	got, err := store.Get(key)
	require.NoError(t, err)
	r, _, _, a := got.At(1, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), a)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrArtifactMissing)

	store.Clear()
	assert.EqualValues(t, 0, store.Len())
}
