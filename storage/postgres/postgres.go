// Package postgres implements storage.CredentialRepository backed by
// PostgreSQL.
//
// Argon2id parameters are stored as individual columns next to the salt and
// hash so that rows hashed under older parameters stay verifiable after the
// defaults change.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glgcapital/gatekeeper/storage"
)

// Store implements storage.CredentialRepository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.CredentialRepository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, subjectID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	var c storage.Credential
	err := s.pool.QueryRow(ctx,
		`SELECT subject_id, role, salt, hash,
		        argon_time, argon_memory_kib, argon_threads, argon_key_len,
		        disabled, created_at, updated_at
		 FROM credentials WHERE subject_id = $1`, subjectID).Scan(
		&c.SubjectID, &c.Role, &c.Salt, &c.Hash,
		&c.Params.Time, &c.Params.MemoryKiB, &c.Params.Parallelism, &c.Params.KeyLen,
		&c.Disabled, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Credential{}, fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Credential{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *Store) Put(ctx context.Context, c storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials (subject_id, role, salt, hash,
		        argon_time, argon_memory_kib, argon_threads, argon_key_len,
		        disabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (subject_id)
		 DO UPDATE SET role = $2, salt = $3, hash = $4,
		        argon_time = $5, argon_memory_kib = $6, argon_threads = $7, argon_key_len = $8,
		        disabled = $9, created_at = $10, updated_at = $11`,
		c.SubjectID, c.Role, c.Salt, c.Hash,
		int64(c.Params.Time), int64(c.Params.MemoryKiB), int16(c.Params.Parallelism), int64(c.Params.KeyLen),
		c.Disabled, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *Store) Create(ctx context.Context, c storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO credentials (subject_id, role, salt, hash,
		        argon_time, argon_memory_kib, argon_threads, argon_key_len,
		        disabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (subject_id) DO NOTHING`,
		c.SubjectID, c.Role, c.Salt, c.Hash,
		int64(c.Params.Time), int64(c.Params.MemoryKiB), int16(c.Params.Parallelism), int64(c.Params.KeyLen),
		c.Disabled, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", c.SubjectID, storage.ErrExists)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, subjectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE subject_id = $1`, subjectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT subject_id FROM credentials ORDER BY subject_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
