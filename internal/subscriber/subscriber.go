// Package subscriber keeps the local email-to-token mapping. A token is
// minted once, the first time an address subscribes, and never changes
// afterwards; everything downstream keys on it.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Subscriber struct {
	Email     string
	Token     string
	CreatedAt time.Time
}

// Store persists the mapping. Lookup methods return (nil, nil) when no
// subscriber matches.
type Store interface {
	LookupByToken(ctx context.Context, token string) (*Subscriber, error)
	LookupByEmail(ctx context.Context, email string) (*Subscriber, error)
	// GetOrCreate returns the subscriber for email, minting a token if
	// the address is new. created reports whether a row was inserted.
	GetOrCreate(ctx context.Context, email string) (*Subscriber, bool, error)
}

// PGStore backs Store with Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) LookupByToken(ctx context.Context, token string) (*Subscriber, error) {
	return s.lookup(ctx,
		`SELECT email, token, created_at FROM subgate.subscribers WHERE token = $1`, token)
}

func (s *PGStore) LookupByEmail(ctx context.Context, email string) (*Subscriber, error) {
	return s.lookup(ctx,
		`SELECT email, token, created_at FROM subgate.subscribers WHERE email = $1`, email)
}

func (s *PGStore) lookup(ctx context.Context, query, arg string) (*Subscriber, error) {
	var sub Subscriber
	err := s.pool.QueryRow(ctx, query, arg).Scan(&sub.Email, &sub.Token, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up subscriber: %w", err)
	}
	return &sub, nil
}

func (s *PGStore) GetOrCreate(ctx context.Context, email string) (*Subscriber, bool, error) {
	existing, err := s.LookupByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	sub := Subscriber{Email: email, Token: uuid.NewString(), CreatedAt: time.Now().UTC()}
	// A concurrent insert for the same email wins via the conflict
	// clause; re-read so both callers see the same token.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO subgate.subscribers (email, token, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO NOTHING`,
		sub.Email, sub.Token, sub.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("creating subscriber: %w", err)
	}
	if tag.RowsAffected() == 0 {
		winner, err := s.LookupByEmail(ctx, email)
		if err != nil {
			return nil, false, err
		}
		if winner == nil {
			return nil, false, fmt.Errorf("creating subscriber: lost insert race and row vanished")
		}
		return winner, false, nil
	}
	return &sub, true, nil
}
