package subscriber

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	byEmail map[string]*Subscriber
	byToken map[string]*Subscriber
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEmail: make(map[string]*Subscriber),
		byToken: make(map[string]*Subscriber),
	}
}

func (s *MemoryStore) LookupByToken(ctx context.Context, token string) (*Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.byToken[token]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) LookupByEmail(ctx context.Context, email string) (*Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.byEmail[email]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, email string) (*Subscriber, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.byEmail[email]; ok {
		cp := *sub
		return &cp, false, nil
	}
	sub := &Subscriber{Email: email, Token: uuid.NewString(), CreatedAt: time.Now().UTC()}
	s.byEmail[email] = sub
	s.byToken[sub.Token] = sub
	cp := *sub
	return &cp, true, nil
}

// Seed installs a subscriber with a fixed token, for tests.
func (s *MemoryStore) Seed(email, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &Subscriber{Email: email, Token: token, CreatedAt: time.Now().UTC()}
	s.byEmail[email] = sub
	s.byToken[token] = sub
}
