package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-aggregation-service/internal/models"
)

// DefaultMemcachedKey holds the snapshot when no key is configured.
const DefaultMemcachedKey = "weather:snapshot"

// MemcachedStore keeps the whole snapshot under a single memcached key with no expiry.
// Snapshots larger than the server item limit (1MB by default) fail to save.
type MemcachedStore struct {
	client *memcache.Client
	key    string
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use client defaults if zero.
func NewMemcachedStore(addrs, key string, timeout time.Duration, maxIdleConns int) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	if key == "" {
		key = DefaultMemcachedKey
	}
	return &MemcachedStore{client: client, key: key}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Load returns the stored snapshot; a cache miss means nothing was saved yet.
func (m *MemcachedStore) Load(ctx context.Context) ([]models.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := m.client.Get(m.key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return []models.Observation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memcached get: %w", err)
	}
	return models.DecodeObservations(item.Value)
}

// Save overwrites the snapshot key.
func (m *MemcachedStore) Save(ctx context.Context, obs []models.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := models.EncodeObservations(obs)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := m.client.Set(&memcache.Item{Key: m.key, Value: raw}); err != nil {
		return fmt.Errorf("memcached set: %w", err)
	}
	return nil
}

// Ping checks if memcached is reachable.
func (m *MemcachedStore) Ping(ctx context.Context) error {
	return m.client.Ping()
}

// Close closes the memcached client connections.
func (m *MemcachedStore) Close() error {
	return m.client.Close()
}
