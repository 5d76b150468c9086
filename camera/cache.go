package camera

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-splat/tensor"
)

type cacheKey struct {
	imageID uint32
	device  tensor.DeviceType
}

type cacheEntry struct {
	key   cacheKey
	frame *tensor.Tensor
}

// ImageCache keeps decoded reference images, evicting the least recently
// used one once more than maxSize are held. Cached tensors are shared and
// must not be modified by callers.
type ImageCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*list.Element
	lru     *list.List
	maxSize int

	hits   int64
	misses int64
}

// NewImageCache creates a cache holding at most maxSize decoded images.
// A maxSize of zero or less disables eviction.
func NewImageCache(maxSize int) *ImageCache {
	return &ImageCache{
		entries: make(map[cacheKey]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get returns the decoded image of imageID on device if present
func (c *ImageCache) Get(imageID uint32, device tensor.DeviceType) (*tensor.Tensor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[cacheKey{imageID, device}]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).frame, true
	}
	c.misses++
	return nil, false
}

// Put stores a decoded image. An existing entry is replaced.
func (c *ImageCache) Put(imageID uint32, frame *tensor.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{imageID, frame.Device}
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).frame = frame
		c.lru.MoveToFront(elem)
		return
	}

	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, frame: frame})
	for c.maxSize > 0 && c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Decode returns the cached image of cam, decoding and storing it on a miss
func (c *ImageCache) Decode(cam *Camera, device tensor.DeviceType) (*tensor.Tensor, error) {
	if frame, ok := c.Get(cam.Image.ImageID, device); ok {
		return frame, nil
	}
	frame, err := cam.DecodeRGBTensor(device)
	if err != nil {
		return nil, err
	}
	c.Put(cam.Image.ImageID, frame)
	return frame, nil
}

// Wrap returns cam with its image decoding served from the cache
func (c *ImageCache) Wrap(cam *Camera) *CachedCamera {
	return &CachedCamera{Camera: cam, cache: c}
}

// Clear drops every entry. Statistics are kept.
func (c *ImageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*list.Element)
	c.lru.Init()
}

// Stats returns the current cache statistics
func (c *ImageCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d images, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}

// CachedCamera is a Camera whose reference image is decoded at most once
// per device while it stays cached
type CachedCamera struct {
	*Camera
	cache *ImageCache
}

// DecodeRGBTensor returns the cached reference image, decoding it on a miss
func (c *CachedCamera) DecodeRGBTensor(device tensor.DeviceType) (*tensor.Tensor, error) {
	return c.cache.Decode(c.Camera, device)
}
