package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/qtunnel/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id UUID PRIMARY KEY,
	public_key TEXT UNIQUE NOT NULL,
	tunnel_key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE agents ADD COLUMN IF NOT EXISTS tunnel_key TEXT NOT NULL DEFAULT '';
`

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// RunMigrations creates or upgrades the schema.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const agentColumns = `id, public_key, tunnel_key, name, email, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	agent := &models.Agent{}
	err := row.Scan(
		&agent.ID,
		&agent.PublicKey,
		&agent.TunnelKey,
		&agent.Name,
		&agent.Email,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return agent, nil
}

// CreateAgent creates a new agent record.
func (s *PostgresStore) CreateAgent(ctx context.Context, publicKey, tunnelKey, name, email string) (*models.Agent, error) {
	return scanAgent(s.pool.QueryRow(ctx, `
		INSERT INTO agents (id, public_key, tunnel_key, name, email)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+agentColumns,
		models.NewAgentID(), publicKey, tunnelKey, name, email))
}

// GetAgentByID retrieves an agent by ID.
func (s *PostgresStore) GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// GetAgentByPublicKey retrieves an agent by public key.
func (s *PostgresStore) GetAgentByPublicKey(ctx context.Context, publicKey string) (*models.Agent, error) {
	return scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE public_key = $1`, publicKey))
}

// SetTunnelKey replaces an agent's registered tunnel key.
func (s *PostgresStore) SetTunnelKey(ctx context.Context, id uuid.UUID, tunnelKey string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET tunnel_key = $2, updated_at = NOW() WHERE id = $1
	`, id, tunnelKey)
	return err
}

// CountAgents returns the total number of registered agents.
func (s *PostgresStore) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	return count, err
}
