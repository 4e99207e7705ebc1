package queue

import (
	"context"
	"sort"
	"sync"
)

// JobCache persists queued jobs so they survive a restart and can be
// reloaded when the in-memory queue drains.
type JobCache interface {
	Put(ctx context.Context, job *Job) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context) ([]*Job, error)
	Clear(ctx context.Context) error
	Close() error
}

// MemoryCache is a JobCache kept in process memory. Jobs are stored
// encoded so later mutation of a queued Job does not leak into the cache.
type MemoryCache struct {
	mu   sync.Mutex
	jobs map[string][]byte
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{jobs: make(map[string][]byte)}
}

// Put stores or replaces a job.
func (c *MemoryCache) Put(_ context.Context, job *Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.jobs[job.ID] = data
	c.mu.Unlock()
	return nil
}

// Delete removes a job; deleting an unknown id is not an error.
func (c *MemoryCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	delete(c.jobs, id)
	c.mu.Unlock()
	return nil
}

// Load returns every stored job in sequence order.
func (c *MemoryCache) Load(_ context.Context) ([]*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Job, 0, len(c.jobs))
	for _, data := range c.jobs {
		j, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SequenceID < out[b].SequenceID })
	return out, nil
}

// Clear removes every job.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	c.jobs = make(map[string][]byte)
	c.mu.Unlock()
	return nil
}

// Close is a no-op.
func (c *MemoryCache) Close() error { return nil }

// Len returns the number of stored jobs.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}
