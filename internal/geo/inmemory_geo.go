package geo

import (
	"context"
	"sort"
	"sync"
)

// InMemoryIndex is the fallback proximity index used when Redis is absent.
type InMemoryIndex struct {
	mu     sync.RWMutex
	coords map[string]Point
}

func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{coords: make(map[string]Point)}
}

func (g *InMemoryIndex) Add(_ context.Context, id string, p Point) error {
	g.mu.Lock()
	g.coords[id] = p
	g.mu.Unlock()
	return nil
}

func (g *InMemoryIndex) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	delete(g.coords, id)
	g.mu.Unlock()
	return nil
}

func (g *InMemoryIndex) Nearby(_ context.Context, p Point, radiusKM float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	hits := make([]Hit, 0, len(g.coords))
	for id, pt := range g.coords {
		if dist := DistanceKM(p, pt); dist <= radiusKM {
			hits = append(hits, Hit{ID: id, DistanceKM: dist})
		}
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKM == hits[j].DistanceKM {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].DistanceKM < hits[j].DistanceKM
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
