package storage

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 64

// MemoryStore is an in-process NonceStore. Tokens are spread over independently
// locked shards so traffic on unrelated tokens rarely contends.
type MemoryStore struct {
	shards [memoryShards]memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// memoryEntry keeps data encoded so callers never share maps with the store.
type memoryEntry struct {
	trueNonce bool
	data      []byte
	createdAt time.Time
	expiresAt time.Time
}

var _ NonceStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]memoryEntry)
	}
	return s
}

func (s *MemoryStore) shard(token string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return &s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryStore) CreateNonce(_ context.Context, rec *NonceRecord) error {
	blob, err := encodeData(rec.Data, -1)
	if err != nil {
		return err
	}
	sh := s.shard(rec.Token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[rec.Token]; ok {
		return ErrNonceExists
	}
	sh.entries[rec.Token] = memoryEntry{
		trueNonce: rec.TrueNonce,
		data:      blob,
		createdAt: rec.CreatedAt,
		expiresAt: rec.ExpiresAt,
	}
	return nil
}

func (s *MemoryStore) GetNonce(_ context.Context, token string) (*NonceRecord, error) {
	sh := s.shard(token)
	sh.mu.Lock()
	e, ok := sh.entries[token]
	sh.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return e.record(token)
}

func (s *MemoryStore) ConsumeNonce(_ context.Context, token string) (*NonceRecord, error) {
	sh := s.shard(token)
	sh.mu.Lock()
	e, ok := sh.entries[token]
	if ok {
		delete(sh.entries, token)
	}
	sh.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return e.record(token)
}

func (s *MemoryStore) DeleteNonce(_ context.Context, token string) (bool, error) {
	sh := s.shard(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[token]; !ok {
		return false, nil
	}
	delete(sh.entries, token)
	return true, nil
}

// DeleteExpiredNonces sweeps one shard at a time; validators on other shards proceed.
func (s *MemoryStore) DeleteExpiredNonces(_ context.Context, now time.Time) (int64, error) {
	cutoff := now.Unix()
	var removed int64
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for token, e := range sh.entries {
			if !e.expiresAt.IsZero() && e.expiresAt.Unix() < cutoff {
				delete(sh.entries, token)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (e memoryEntry) record(token string) (*NonceRecord, error) {
	data, err := decodeData(e.data)
	if err != nil {
		return nil, err
	}
	return &NonceRecord{
		Token:     token,
		TrueNonce: e.trueNonce,
		CreatedAt: e.createdAt,
		ExpiresAt: e.expiresAt,
		Data:      data,
	}, nil
}
