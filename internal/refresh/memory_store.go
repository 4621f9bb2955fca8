package refresh

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps tokens in process. It is meant for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Token
	byHash map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Token),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(t)
}

func (s *MemoryStore) insertLocked(t *Token) error {
	if _, ok := s.byID[t.ID]; ok {
		return fmt.Errorf("insert refresh token: duplicate id %s", t.ID)
	}
	if _, ok := s.byHash[t.TokenHash]; ok {
		return fmt.Errorf("insert refresh token: duplicate hash")
	}
	s.byID[t.ID] = t.clone()
	s.byHash[t.TokenHash] = t.ID
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return s.byID[id].clone(), nil
}

func (s *MemoryStore) Rotate(ctx context.Context, current, next *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byID[current.ID]
	if !ok {
		return ErrTokenNotFound
	}
	if !row.Live() {
		return ErrTokenAlreadyRevoked
	}
	if err := s.insertLocked(next); err != nil {
		return err
	}
	id := next.ID
	row.Revoked = true
	row.ReplacedBy = &id

	current.Revoked = true
	current.ReplacedBy = &id
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, t *Token) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byID[t.ID]
	if !ok {
		return false, ErrTokenNotFound
	}
	if !row.Live() {
		return false, nil
	}
	row.Revoked = true
	t.Revoked = true
	return true, nil
}

func (s *MemoryStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.byID {
		if row.UserID == userID && row.Live() {
			row.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Token{}
	for _, row := range s.byID {
		if row.UserID == userID && row.Live() && !row.Expired(now) {
			out = append(out, *row.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
