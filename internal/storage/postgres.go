package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/cojson/internal/crypto"
	"github.com/rawblock/cojson/pkg/covalue"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable Store backend, adapted from the engine's
// PostgresStore: a pgxpool.Pool, an embedded schema applied once at
// startup, and every multi-statement write wrapped in an explicit
// Begin/defer-Rollback/Commit transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("storage: ping failed: %w", err)
	}
	log.Println("storage: connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema applies the embedded schema.sql, idempotently (every
// statement uses CREATE TABLE/INDEX IF NOT EXISTS).
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("storage: failed to execute schema migrations: %w", err)
	}
	log.Println("storage: schema initialized")
	return nil
}

func (s *PostgresStore) WriteHeader(ctx context.Context, id covalue.ID, header covalue.Header) error {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("storage: marshal header: %w", err)
	}
	const sql = `
		INSERT INTO covalue_headers (covalue_id, header)
		VALUES ($1, $2)
		ON CONFLICT (covalue_id) DO NOTHING;
	`
	_, err = s.pool.Exec(ctx, sql, id.String(), headerJSON)
	return err
}

func (s *PostgresStore) WriteTransactions(ctx context.Context, id covalue.ID, sessionID covalue.SessionID, afterIndex int, txs []covalue.Transaction, lastSignature crypto.Signature, signingPK crypto.SigningPublicKey) error {
	if len(txs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsertSessionSQL = `
		INSERT INTO covalue_sessions (covalue_id, session_id, signing_public_key, last_signature)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (covalue_id, session_id) DO UPDATE
		SET last_signature = COALESCE(EXCLUDED.last_signature, covalue_sessions.last_signature);
	`
	pkBytes := signingPK.Bytes()
	_, err = tx.Exec(ctx, upsertSessionSQL, id.String(), sessionID.String(), pkBytes[:], []byte(lastSignature))
	if err != nil {
		return fmt.Errorf("storage: upsert session: %w", err)
	}

	const insertTxSQL = `
		INSERT INTO transactions (covalue_id, session_id, idx, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (covalue_id, session_id, idx) DO NOTHING;
	`
	for i, t := range txs {
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("storage: marshal transaction: %w", err)
		}
		_, err = tx.Exec(ctx, insertTxSQL, id.String(), sessionID.String(), afterIndex+1+i, payload)
		if err != nil {
			return fmt.Errorf("storage: insert transaction: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ReadCoValue(ctx context.Context, id covalue.ID) (covalue.Header, map[string]SessionRecord, error) {
	var headerJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT header FROM covalue_headers WHERE covalue_id = $1`, id.String()).Scan(&headerJSON)
	if err == pgx.ErrNoRows {
		return covalue.Header{}, nil, ErrNotFound
	}
	if err != nil {
		return covalue.Header{}, nil, fmt.Errorf("storage: read header: %w", err)
	}
	var header covalue.Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return covalue.Header{}, nil, fmt.Errorf("storage: unmarshal header: %w", err)
	}

	sessRows, err := s.pool.Query(ctx, `SELECT session_id, signing_public_key, last_signature FROM covalue_sessions WHERE covalue_id = $1`, id.String())
	if err != nil {
		return covalue.Header{}, nil, fmt.Errorf("storage: read sessions: %w", err)
	}
	defer sessRows.Close()

	out := make(map[string]SessionRecord)
	for sessRows.Next() {
		var sessID string
		var pkBytes, sig []byte
		if err := sessRows.Scan(&sessID, &pkBytes, &sig); err != nil {
			return covalue.Header{}, nil, fmt.Errorf("storage: scan session: %w", err)
		}
		pk, err := crypto.ParseSigningPublicKey(pkBytes)
		if err != nil {
			return covalue.Header{}, nil, fmt.Errorf("storage: parse signing public key: %w", err)
		}
		rec := SessionRecord{SigningPublicKey: pk}
		if len(sig) > 0 {
			rec.LastSignature = crypto.Signature(sig)
		}
		out[sessID] = rec
	}
	if err := sessRows.Err(); err != nil {
		return covalue.Header{}, nil, err
	}

	txRows, err := s.pool.Query(ctx, `SELECT session_id, idx, payload FROM transactions WHERE covalue_id = $1 ORDER BY session_id, idx ASC`, id.String())
	if err != nil {
		return covalue.Header{}, nil, fmt.Errorf("storage: read transactions: %w", err)
	}
	defer txRows.Close()

	for txRows.Next() {
		var sessID string
		var idx int
		var payload []byte
		if err := txRows.Scan(&sessID, &idx, &payload); err != nil {
			return covalue.Header{}, nil, fmt.Errorf("storage: scan transaction: %w", err)
		}
		var t covalue.Transaction
		if err := json.Unmarshal(payload, &t); err != nil {
			return covalue.Header{}, nil, fmt.Errorf("storage: unmarshal transaction: %w", err)
		}
		rec := out[sessID]
		rec.Transactions = append(rec.Transactions, t)
		out[sessID] = rec
	}
	if err := txRows.Err(); err != nil {
		return covalue.Header{}, nil, err
	}

	return header, out, nil
}

func (s *PostgresStore) ListCoValues(ctx context.Context) (<-chan covalue.ID, <-chan error) {
	ids := make(chan covalue.ID)
	errs := make(chan error, 1)

	go func() {
		defer close(ids)
		defer close(errs)

		rows, err := s.pool.Query(ctx, `SELECT covalue_id FROM covalue_headers ORDER BY covalue_id ASC`)
		if err != nil {
			errs <- fmt.Errorf("storage: list covalues: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var idStr string
			if err := rows.Scan(&idStr); err != nil {
				errs <- err
				return
			}
			parsed, err := covalue.ParseID(idStr)
			if err != nil {
				errs <- err
				return
			}
			select {
			case ids <- parsed:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			errs <- err
		}
	}()

	return ids, errs
}

