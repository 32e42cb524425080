package imagecache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	titlecache "github.com/wolfeidau/title-cache"
	"github.com/wolfeidau/title-cache/store/metadb"
)

type fakeUploader struct {
	mu      sync.Mutex
	calls   []string
	fail    bool
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeUploader) Upload(ctx context.Context, sourceURL, destinationID string) (*Uploaded, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, sourceURL)
	fail := f.fail
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if fail {
		return nil, errors.New("transform service unavailable")
	}
	return &Uploaded{
		URL:    "https://img.example/" + destinationID + ".webp",
		Width:  500,
		Height: 750,
		Bytes:  1234,
		Format: "webp",
	}, nil
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestStore(t *testing.T) *metadb.BoltDB {
	t.Helper()
	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "images.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestCache(t *testing.T, up Uploader, opts ...Option) *Cache {
	t.Helper()
	c, err := New(newTestStore(t), up, opts...)
	require.NoError(t, err)
	return c
}

func TestValidPath(t *testing.T) {
	valid := []string{"/abc.jpg", "/pB8BM7pdSp6B6Ih7QZ4DrQ3PmJK.jpg", "/a-b_c.png"}
	for _, p := range valid {
		assert.True(t, ValidPath(p), p)
	}
	invalid := []string{"", "abc.jpg", "/abc", "/../etc/passwd", "/a/b.jpg", "/abc.", "/.jpg", "https://x/a.jpg"}
	for _, p := range invalid {
		assert.False(t, ValidPath(p), p)
	}
}

func TestGetCachedURL_InvalidInput(t *testing.T) {
	up := &fakeUploader{}
	c := newTestCache(t, up)
	ctx := context.Background()

	u, ok := c.GetCachedURL(ctx, "", titlecache.ImagePoster)
	assert.False(t, ok)
	assert.Empty(t, u)

	_, ok = c.GetCachedURL(ctx, "not-a-path", titlecache.ImagePoster)
	assert.False(t, ok)

	_, ok = c.GetCachedURL(ctx, "/a.jpg", titlecache.ImageClass("thumbnail"))
	assert.False(t, ok)

	assert.Zero(t, up.callCount())
}

func TestGetCachedURL_MissThenHit(t *testing.T) {
	up := &fakeUploader{}
	c := newTestCache(t, up)
	ctx := context.Background()

	first, ok := c.GetCachedURL(ctx, "/poster.jpg", titlecache.ImagePoster)
	require.True(t, ok)

	destID := titlecache.DestinationID(titlecache.ImagePoster, "/poster.jpg").String()
	assert.Equal(t, "https://img.example/"+destID+".webp", first)
	assert.Equal(t, []string{"https://image.tmdb.org/t/p/w500/poster.jpg"}, up.calls)

	second, ok := c.GetCachedURL(ctx, "/poster.jpg", titlecache.ImagePoster)
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, up.callCount())

	t.Run("classes are cached separately", func(t *testing.T) {
		_, ok := c.GetCachedURL(ctx, "/poster.jpg", titlecache.ImageBackdrop)
		require.True(t, ok)
		assert.Equal(t, 2, up.callCount())
		assert.Equal(t, "https://image.tmdb.org/t/p/w1280/poster.jpg", up.calls[1])
	})
}

func TestGetCachedURL_HitSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	up := &fakeUploader{}

	c1, err := New(store, up)
	require.NoError(t, err)
	u1, ok := c1.GetCachedURL(ctx, "/profile.jpg", titlecache.ImageProfile)
	require.True(t, ok)

	c2, err := New(store, up)
	require.NoError(t, err)
	u2, ok := c2.GetCachedURL(ctx, "/profile.jpg", titlecache.ImageProfile)
	require.True(t, ok)

	assert.Equal(t, u1, u2)
	assert.Equal(t, 1, up.callCount())

	entry, ok := c2.Lookup(ctx, "/profile.jpg", titlecache.ImageProfile)
	require.True(t, ok)
	assert.Equal(t, 500, entry.Width)
	assert.Equal(t, int64(1234), entry.ByteSize)
	assert.Equal(t, "webp", entry.Format)
}

func TestGetCachedURL_UploadFailureFallsBack(t *testing.T) {
	up := &fakeUploader{fail: true}
	c := newTestCache(t, up, WithProviderBaseURL("https://provider.example/t/p/"))
	ctx := context.Background()

	u, ok := c.GetCachedURL(ctx, "/backdrop.jpg", titlecache.ImageBackdrop)
	require.True(t, ok)
	assert.Equal(t, "https://provider.example/t/p/w1280/backdrop.jpg", u)

	// failures are not remembered
	_, found := c.Lookup(ctx, "/backdrop.jpg", titlecache.ImageBackdrop)
	assert.False(t, found)

	up.mu.Lock()
	up.fail = false
	up.mu.Unlock()

	u, ok = c.GetCachedURL(ctx, "/backdrop.jpg", titlecache.ImageBackdrop)
	require.True(t, ok)
	assert.Contains(t, u, "https://img.example/")
	assert.Equal(t, 2, up.callCount())
}

func TestGetCachedURLs_BoundedConcurrency(t *testing.T) {
	up := &fakeUploader{delay: 20 * time.Millisecond}
	c := newTestCache(t, up)
	ctx := context.Background()

	reqs := make([]Request, 0, 13)
	for i := range 12 {
		reqs = append(reqs, Request{Path: fmt.Sprintf("/p%d.jpg", i), Class: titlecache.ImageProfile})
	}
	reqs = append(reqs, Request{Path: "bad", Class: titlecache.ImagePoster})

	results := c.GetCachedURLs(ctx, reqs)
	require.Len(t, results, len(reqs))

	for i, r := range results[:12] {
		assert.Equal(t, reqs[i], r.Request)
		assert.True(t, r.OK)
		assert.NotEmpty(t, r.URL)
	}
	assert.False(t, results[12].OK)

	assert.Equal(t, 12, up.callCount())
	assert.LessOrEqual(t, up.maxSeen.Load(), int32(DefaultConcurrency))
}
