package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres looks up member profiles from a Postgres-backed membership store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the membership database.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Lookup implements Directory.
func (p *Postgres) Lookup(ctx context.Context, memberID string) (Profile, error) {
	const q = `SELECT display_name, can_control FROM members WHERE id = $1`

	profile := Profile{MemberID: memberID}
	err := p.pool.QueryRow(ctx, q, memberID).Scan(&profile.DisplayName, &profile.CanControl)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrUnknownMember
	}
	if err != nil {
		return Profile{}, fmt.Errorf("failed to look up member %s: %w", memberID, err)
	}
	return profile, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
