// Package cache holds the per-context tile generator cache. A common
// access pattern is many tile requests against the same quadtree from
// one execution context; keeping the last generator in memory avoids
// re-decoding and re-warping the image on every request.
package cache

import (
	"context"
	"fmt"

	"github.com/mapfasten/mapfasten/internal/quadtree"
	"github.com/mapfasten/mapfasten/internal/storage"
)

// BuildFunc constructs a generator for a quadtree record. It exists as
// an injection point for tests; NewGeneratorCache wires the real one.
type BuildFunc func(ctx context.Context, id string) (quadtree.Generator, error)

// GeneratorCache caches exactly one generator, keyed by quadtree id.
// Replacement is "newest wins": any lookup for a different id rebuilds
// and evicts the held entry. A hit is only served on an exact key
// match, so the cache never serves a generator for the wrong quadtree;
// the worst case is the cost of an unnecessary rebuild.
//
// The cache is intentionally unsynchronized: each execution context
// owns its own instance and must not share it with concurrently
// running contexts.
type GeneratorCache struct {
	build BuildFunc

	key string
	gen quadtree.Generator
}

// NewGeneratorCache creates a cache that builds generators from the
// given store.
func NewGeneratorCache(store storage.Store) *GeneratorCache {
	return &GeneratorCache{build: builder(store)}
}

// NewGeneratorCacheWithBuild creates a cache with a custom build
// function.
func NewGeneratorCacheWithBuild(build BuildFunc) *GeneratorCache {
	return &GeneratorCache{build: build}
}

// GetOrCreate returns the cached generator when the held key matches
// id exactly, and otherwise builds a fresh generator, stores it as the
// sole entry and returns it.
func (c *GeneratorCache) GetOrCreate(ctx context.Context, id string) (quadtree.Generator, error) {
	if c.gen != nil && c.key == id {
		return c.gen, nil
	}

	gen, err := c.build(ctx, id)
	if err != nil {
		return nil, err
	}
	c.key = id
	c.gen = gen
	return gen, nil
}

// Invalidate drops the held generator when it belongs to id, so the
// next lookup rebuilds against the current record. Needed after an
// alignment update changes what the record's tiles look like.
func (c *GeneratorCache) Invalidate(id string) {
	if c.key == id {
		c.key = ""
		c.gen = nil
	}
}

func builder(store storage.Store) BuildFunc {
	return func(ctx context.Context, id string) (quadtree.Generator, error) {
		qt, err := store.GetQuadTree(ctx, id)
		if err != nil {
			return nil, err
		}
		img, err := store.LoadImage(ctx, qt.ImageRef)
		if err != nil {
			return nil, fmt.Errorf("quadtree %s: %w", id, err)
		}

		if qt.Warped() {
			gen, err := quadtree.NewWarpedGenerator(img, *qt.Transform)
			if err != nil {
				return nil, fmt.Errorf("quadtree %s: %w", id, err)
			}
			return gen, nil
		}
		return quadtree.NewSimpleGenerator(img), nil
	}
}
