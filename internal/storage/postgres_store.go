package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slack-exporter/internal/config"
	"github.com/slack-exporter/internal/models"
)

// PostgresStore persists export jobs in Postgres. The full job document is
// stored as JSONB alongside indexed status and timestamp columns, so resume
// reads the exact state that was checkpointed while operators can still
// query progress with plain SQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new Postgres-backed job store
func NewPostgresStore(cfg *config.PostgresConfig) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable pool_max_conns=%d",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.MaxConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - MaxConnections is validated in config
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Pool returns the underlying connection pool
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Load(ctx context.Context, workspace string) (*models.ExportJob, error) {
	query := `
		SELECT document
		FROM export_jobs
		WHERE workspace = $1
	`

	var document []byte
	err := s.pool.QueryRow(ctx, query, workspace).Scan(&document)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("failed to load job for %s: %w", workspace, err)
	}

	var job models.ExportJob
	if err := json.Unmarshal(document, &job); err != nil {
		return nil, fmt.Errorf("failed to decode stored job for %s: %w", workspace, err)
	}
	return &job, nil
}

func (s *PostgresStore) Save(ctx context.Context, workspace string, job *models.ExportJob) error {
	document, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	query := `
		INSERT INTO export_jobs (workspace, job_id, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workspace)
		DO UPDATE SET job_id = $2, status = $3, document = $4, updated_at = $6
	`

	_, err = s.pool.Exec(ctx, query,
		workspace,
		job.ID,
		string(job.Status),
		document,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save job for %s: %w", workspace, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, workspace string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM export_jobs WHERE workspace = $1`, workspace)
	if err != nil {
		return fmt.Errorf("failed to delete job for %s: %w", workspace, err)
	}
	if result.RowsAffected() == 0 {
		return ErrNoJob
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
