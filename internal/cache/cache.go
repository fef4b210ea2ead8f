// Package cache keeps prepared expression matrices and finished search results
// in memory.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/idmarkers/msearcher/internal/data/expr"
)

// Config contains cache configuration.
type Config struct {
	MatrixEntries int
	ResultSizeMB  int
	ResultTTL     time.Duration
}

// Manager manages the matrix and result caches.
type Manager struct {
	matrices *lru.Cache[string, *expr.Matrix]
	results  *bigcache.BigCache
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MatrixEntries <= 0 {
		cfg.MatrixEntries = 1
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 30 * time.Minute
	}

	resultConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.ResultTTL,
		CleanWindow:        cfg.ResultTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024, // a full 2000-row result is ~200KB of JSON
		HardMaxCacheSize:   cfg.ResultSizeMB,
		Verbose:            false,
	}
	results, err := bigcache.New(context.Background(), resultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	matrices, err := lru.New[string, *expr.Matrix](cfg.MatrixEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix cache: %w", err)
	}

	return &Manager{
		matrices: matrices,
		results:  results,
	}, nil
}

// GetMatrix returns a prepared matrix for a dataset.
func (m *Manager) GetMatrix(key string) (*expr.Matrix, bool) {
	return m.matrices.Get(key)
}

// AddMatrix stores a prepared matrix, evicting the least recently used one
// when full.
func (m *Manager) AddMatrix(key string, mat *expr.Matrix) {
	m.matrices.Add(key, mat)
}

// GetResult retrieves an encoded search result.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	data, err := m.results.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetResult stores an encoded search result.
func (m *Manager) SetResult(key string, data []byte) error {
	return m.results.Set(key, data)
}

// SearchParams are the inputs that change a search result.
type SearchParams struct {
	TopNum        int
	Cutoff        float64
	MaxCandidates int
}

// SearchKey generates a cache key for a search over a dataset. Query order is
// part of the key.
func SearchKey(dataset string, queries []string, p SearchParams) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(queries, "\x00")))
	h.Write([]byte(fmt.Sprintf("|%d|%g|%d", p.TopNum, p.Cutoff, p.MaxCandidates)))
	return fmt.Sprintf("search:%s:%s", dataset, hex.EncodeToString(h.Sum(nil))[:16])
}

// MatrixKey generates a cache key for a prepared dataset matrix.
func MatrixKey(dataset string, preprocessed bool) string {
	return fmt.Sprintf("matrix:%s:pp=%t", dataset, preprocessed)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"matrix_cache_len": m.matrices.Len(),
		"result_cache_len": m.results.Len(),
		"result_cache_cap": m.results.Capacity(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.results.Close()
}
