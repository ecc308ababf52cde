package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"

	"github.com/example/parking-valet/internal/models"
)

const flowStatusSchema = `
CREATE TABLE IF NOT EXISTS flow_status (
	request_id TEXT PRIMARY KEY,
	stage      TEXT        NOT NULL,
	document   JSONB       NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL
)`

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

// Migrate creates the flow_status table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, flowStatusSchema)
	return err
}

func (p *PostgresStore) Upsert(ctx context.Context, requestID string, stage models.Stage, fields models.FlowFields) (models.RequestFlow, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.RequestFlow{}, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	flow := models.RequestFlow{RequestID: requestID}
	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT document FROM flow_status WHERE request_id = $1 FOR UPDATE`, requestID).Scan(&doc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return models.RequestFlow{}, fmt.Errorf("%w: select %s: %v", ErrPersistence, requestID, err)
	default:
		if err := json.Unmarshal(doc, &flow.FlowFields); err != nil {
			return models.RequestFlow{}, fmt.Errorf("%w: decode %s: %v", ErrPersistence, requestID, err)
		}
	}

	flow.Merge(fields)
	flow.Stage = stage
	flow.UpdatedAt = p.now().UTC()
	doc, err = json.Marshal(flow.FlowFields)
	if err != nil {
		return models.RequestFlow{}, fmt.Errorf("%w: encode %s: %v", ErrPersistence, requestID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO flow_status (request_id, stage, document, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		requestID, string(stage), string(doc), flow.UpdatedAt)
	if err != nil {
		return models.RequestFlow{}, fmt.Errorf("%w: upsert %s: %v", ErrPersistence, requestID, err)
	}
	if err := tx.Commit(); err != nil {
		return models.RequestFlow{}, fmt.Errorf("%w: commit %s: %v", ErrPersistence, requestID, err)
	}
	return flow, nil
}

func (p *PostgresStore) Get(ctx context.Context, requestID string) (models.RequestFlow, error) {
	var (
		stage string
		doc   []byte
		flow  = models.RequestFlow{RequestID: requestID}
	)
	err := p.db.QueryRowContext(ctx, `SELECT stage, document, updated_at FROM flow_status WHERE request_id = $1`, requestID).
		Scan(&stage, &doc, &flow.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RequestFlow{}, ErrNotFound
	}
	if err != nil {
		return models.RequestFlow{}, fmt.Errorf("%w: get %s: %v", ErrPersistence, requestID, err)
	}
	if err := json.Unmarshal(doc, &flow.FlowFields); err != nil {
		return models.RequestFlow{}, fmt.Errorf("%w: decode %s: %v", ErrPersistence, requestID, err)
	}
	flow.Stage = models.Stage(stage)
	flow.UpdatedAt = flow.UpdatedAt.UTC()
	return flow, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Check(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }
