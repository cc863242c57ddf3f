package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	_ "github.com/lib/pq" // Import the postgres driver
)

const (
	createStatesTableSQL = `
	CREATE TABLE IF NOT EXISTS trailing_states (
		bot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		phase TEXT NOT NULL,
		trailing_stop_price DOUBLE PRECISION NOT NULL,
		active_stop_order_id TEXT NOT NULL DEFAULT '',
		state JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (bot_id, symbol)
	);`

	upsertStateSQL = `
	INSERT INTO trailing_states (bot_id, symbol, schema_version, phase, trailing_stop_price, active_stop_order_id, state, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (bot_id, symbol) DO UPDATE SET
		schema_version = excluded.schema_version,
		phase = excluded.phase,
		trailing_stop_price = excluded.trailing_stop_price,
		active_stop_order_id = excluded.active_stop_order_id,
		state = excluded.state,
		updated_at = excluded.updated_at;`

	selectStateSQL        = `SELECT state FROM trailing_states WHERE bot_id = $1 AND symbol = $2;`
	selectAllStatesSQL    = `SELECT state FROM trailing_states ORDER BY bot_id, symbol;`
	selectSymbolStatesSQL = `SELECT state FROM trailing_states WHERE symbol = $1 ORDER BY bot_id;`
	deleteStateSQL        = `DELETE FROM trailing_states WHERE bot_id = $1 AND symbol = $2;`
	deleteSymbolStatesSQL = `DELETE FROM trailing_states WHERE symbol = $1;`
	deleteAllStatesSQL    = `DELETE FROM trailing_states;`
)

// sqlRepository stores states as rows in Postgres, one per (bot, symbol).
// Phase, stop price and order id are also kept as plain columns so
// operational tooling can read them without decoding JSON.
type sqlRepository struct {
	db *sql.DB
}

// NewPostgresRepository connects to Postgres and creates the table if needed.
func NewPostgresRepository(dsn string) (StateRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	repo := newSQLRepository(db)
	if err := repo.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return repo, nil
}

func newSQLRepository(db *sql.DB) *sqlRepository {
	return &sqlRepository{db: db}
}

func (r *sqlRepository) createTables() error {
	_, err := r.db.Exec(createStatesTableSQL)
	return err
}

// Get returns (nil, nil) when no row exists.
func (r *sqlRepository) Get(botID, symbol string) (*models.TrailingState, error) {
	var payload []byte
	err := r.db.QueryRow(selectStateSQL, botID, symbol).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %s/%s: %w", botID, symbol, err)
	}
	return decodeState(payload)
}

func (r *sqlRepository) ListAll() ([]*models.TrailingState, error) {
	return r.query(selectAllStatesSQL)
}

func (r *sqlRepository) ListBySymbol(symbol string) ([]*models.TrailingState, error) {
	return r.query(selectSymbolStatesSQL, symbol)
}

func (r *sqlRepository) query(query string, args ...interface{}) ([]*models.TrailingState, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	defer rows.Close()

	var states []*models.TrailingState
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		state, err := decodeState(payload)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// Upsert creates or updates the row of one (bot, symbol).
func (r *sqlRepository) Upsert(botID, symbol string, state *models.TrailingState, activeOrderID string) error {
	stored := prepareForWrite(botID, symbol, state, activeOrderID)
	payload, err := encodeState(stored)
	if err != nil {
		return err
	}

	updatedAt := stored.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = r.db.Exec(upsertStateSQL,
		botID,
		symbol,
		CurrentSchemaVersion,
		string(stored.Phase),
		stored.TrailingStopPrice,
		activeOrderID,
		string(payload), // JSONB is sent as text
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save state %s/%s: %w", botID, symbol, err)
	}
	return nil
}

func (r *sqlRepository) Delete(botID, symbol string) error {
	if _, err := r.db.Exec(deleteStateSQL, botID, symbol); err != nil {
		return fmt.Errorf("failed to delete state %s/%s: %w", botID, symbol, err)
	}
	return nil
}

func (r *sqlRepository) DeleteBySymbol(symbol string) (int, error) {
	return r.exec(deleteSymbolStatesSQL, symbol)
}

func (r *sqlRepository) DeleteAll() (int, error) {
	return r.exec(deleteAllStatesSQL)
}

func (r *sqlRepository) exec(query string, args ...interface{}) (int, error) {
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete states: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *sqlRepository) Close() error {
	return r.db.Close()
}
