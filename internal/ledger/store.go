package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore backs the ledger with the subgate.failed_tasks table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, ft *FailedTask) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO subgate.failed_tasks (task_id, name, payload, exc, trace, at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (task_id) DO UPDATE
		   SET exc = EXCLUDED.exc, trace = EXCLUDED.trace, at = EXCLUDED.at
		 RETURNING id`,
		ft.TaskID, ft.Name, ft.Payload, ft.Exc, ft.Trace, ft.When).Scan(&ft.ID)
	if err != nil {
		return fmt.Errorf("inserting failed task: %w", err)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, limit int) ([]FailedTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, name, payload, exc, trace, at
		 FROM subgate.failed_tasks ORDER BY at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing failed tasks: %w", err)
	}
	defer rows.Close()

	var out []FailedTask
	for rows.Next() {
		var ft FailedTask
		if err := rows.Scan(&ft.ID, &ft.TaskID, &ft.Name, &ft.Payload, &ft.Exc, &ft.Trace, &ft.When); err != nil {
			return nil, fmt.Errorf("scanning failed task: %w", err)
		}
		out = append(out, ft)
	}
	return out, rows.Err()
}

func (s *PGStore) Get(ctx context.Context, id int64) (*FailedTask, error) {
	var ft FailedTask
	err := s.pool.QueryRow(ctx,
		`SELECT id, task_id, name, payload, exc, trace, at
		 FROM subgate.failed_tasks WHERE id = $1`, id).
		Scan(&ft.ID, &ft.TaskID, &ft.Name, &ft.Payload, &ft.Exc, &ft.Trace, &ft.When)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching failed task %d: %w", id, err)
	}
	return &ft, nil
}

func (s *PGStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM subgate.failed_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting failed task %d: %w", id, err)
	}
	return nil
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]FailedTask
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]FailedTask)}
}

func (s *MemoryStore) Insert(ctx context.Context, ft *FailedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ft.ID = s.nextID
	s.entries[ft.ID] = *ft
	return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]FailedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FailedTask
	for id := s.nextID; id > 0 && (limit <= 0 || len(out) < limit); id-- {
		if ft, ok := s.entries[id]; ok {
			out = append(out, ft)
		}
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*FailedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ft, ok := s.entries[id]; ok {
		cp := ft
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}
