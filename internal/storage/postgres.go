package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/taskinen/wrm-systems/internal/models"
)

// PostgresBackend keeps one versioned reading-set record per data source
// in a single table, upserted as a whole on every save. Suited to
// deployments where several meters share one database.
type PostgresBackend struct {
	db       *sql.DB
	sourceID string
	logger   *logrus.Logger
}

// NewPostgresBackend connects, verifies connectivity and ensures the
// state table exists.
//
// The connection string uses the usual lib/pq format:
// "host=... port=... user=... password=... dbname=... sslmode=..."
func NewPostgresBackend(connStr, sourceID string, logger *logrus.Logger) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS meter_state (
            source_id  TEXT PRIMARY KEY,
            version    INTEGER NOT NULL,
            data       JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )
    `)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	return &PostgresBackend{db: db, sourceID: sourceID, logger: logger}, nil
}

func (p *PostgresBackend) Load(ctx context.Context) (models.ReadingSet, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		"SELECT data FROM meter_state WHERE source_id = $1",
		p.sourceID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return models.ReadingSet{}, nil
	}
	if err != nil {
		return models.ReadingSet{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var record storedRecord
	if err := json.Unmarshal(data, &record); err != nil {
		p.logger.WithError(err).Warn("Invalid stored data, starting fresh")
		return models.ReadingSet{}, nil
	}
	return record.Data, nil
}

func (p *PostgresBackend) Save(ctx context.Context, set models.ReadingSet) error {
	record := storedRecord{Version: StorageVersion, Data: set}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	_, err = p.db.ExecContext(ctx, `
        INSERT INTO meter_state (source_id, version, data, updated_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (source_id)
        DO UPDATE SET version = $2, data = $3, updated_at = now()
    `, p.sourceID, StorageVersion, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (p *PostgresBackend) Close() error { return p.db.Close() }

var _ Backend = (*PostgresBackend)(nil)
