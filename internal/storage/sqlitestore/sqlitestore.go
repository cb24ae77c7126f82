// Package sqlitestore keeps identities and envelopes in a SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sealchat/go-backend/internal/domains/contracts"
	"sealchat/go-backend/internal/storage"
	"sealchat/go-backend/pkg/models"

	"github.com/mattn/go-sqlite3"
)

const Backend = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	id TEXT PRIMARY KEY,
	public_key BLOB NOT NULL,
	fingerprint TEXT NOT NULL,
	registered_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS envelopes (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL UNIQUE,
	sender_id TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	pair_lo TEXT NOT NULL,
	pair_hi TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	nonce BLOB NOT NULL,
	sender_public_key BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	delivered INTEGER NOT NULL DEFAULT 0,
	delivered_at INTEGER NOT NULL DEFAULT 0,
	read INTEGER NOT NULL DEFAULT 0,
	read_at INTEGER NOT NULL DEFAULT 0,
	UNIQUE (sender_id, recipient_id, nonce)
);

CREATE INDEX IF NOT EXISTS idx_envelopes_conversation ON envelopes(pair_lo, pair_hi, created_at, seq);
`

const envelopeColumns = `id, seq, sender_id, recipient_id, ciphertext, nonce, sender_public_key,
	created_at, delivered, delivered_at, read, read_at`

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// A single writer connection keeps read-modify-write transactions serial.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Backend() string { return Backend }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) PutIdentity(ctx context.Context, identity models.Identity) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO identities (id, public_key, fingerprint, registered_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		public_key = excluded.public_key,
		fingerprint = excluded.fingerprint,
		registered_at = excluded.registered_at
	`, identity.ID, identity.PublicKey, identity.Fingerprint, unixNano(identity.RegisteredAt))
	if err != nil {
		return fmt.Errorf("sqlitestore: put identity: %w", err)
	}
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, identityID string) (models.Identity, error) {
	var (
		out          models.Identity
		registeredAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, public_key, fingerprint, registered_at FROM identities WHERE id = ?`, identityID,
	).Scan(&out.ID, &out.PublicKey, &out.Fingerprint, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Identity{}, contracts.ErrUnknownIdentity
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("sqlitestore: get identity: %w", err)
	}
	out.RegisteredAt = fromUnixNano(registeredAt)
	return out, nil
}

func (s *Store) AppendEnvelope(ctx context.Context, env models.Envelope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanEnvelope(tx.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = ?`, env.ID))
	switch {
	case err == nil:
		if storage.SameEnvelope(existing, env) {
			return nil
		}
		return storage.ErrEnvelopeIDConflict
	case !errors.Is(err, contracts.ErrEnvelopeNotFound):
		return err
	}

	var used int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM envelopes WHERE sender_id = ? AND recipient_id = ? AND nonce = ?`,
		env.SenderID, env.RecipientID, env.Nonce,
	).Scan(&used)
	if err != nil {
		return fmt.Errorf("sqlitestore: check nonce: %w", err)
	}
	if used > 0 {
		return contracts.ErrNonceReused
	}

	lo, hi := models.ConversationPair(env.SenderID, env.RecipientID)
	_, err = tx.ExecContext(ctx, `
	INSERT INTO envelopes (id, seq, sender_id, recipient_id, pair_lo, pair_hi, ciphertext, nonce,
		sender_public_key, created_at, delivered, delivered_at, read, read_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, env.ID, int64(env.Seq), env.SenderID, env.RecipientID, lo, hi, env.Ciphertext, env.Nonce,
		env.SenderPublicKey, unixNano(env.CreatedAt), env.Delivered, unixNano(env.DeliveredAt),
		env.Read, unixNano(env.ReadAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %v", storage.ErrEnvelopeIDConflict, err)
		}
		return fmt.Errorf("sqlitestore: insert envelope: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return nil
}

func (s *Store) GetEnvelope(ctx context.Context, envelopeID string) (models.Envelope, error) {
	return scanEnvelope(s.db.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = ?`, envelopeID))
}

func (s *Store) UpdateEnvelope(ctx context.Context, envelopeID string, mutate func(*models.Envelope) bool) (models.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	env, err := scanEnvelope(tx.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = ?`, envelopeID))
	if err != nil {
		return models.Envelope{}, err
	}
	if !mutate(&env) {
		return env, nil
	}
	_, err = tx.ExecContext(ctx, `
	UPDATE envelopes SET delivered = ?, delivered_at = ?, read = ?, read_at = ? WHERE id = ?
	`, env.Delivered, unixNano(env.DeliveredAt), env.Read, unixNano(env.ReadAt), envelopeID)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("sqlitestore: update envelope: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Envelope{}, fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return env, nil
}

func (s *Store) ListConversation(ctx context.Context, idA, idB string, limit, offset int) ([]models.Envelope, error) {
	if limit <= 0 {
		limit = -1
	}
	lo, hi := models.ConversationPair(idA, idB)
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+envelopeColumns+`
	FROM envelopes
	WHERE pair_lo = ? AND pair_hi = ?
	ORDER BY created_at ASC, seq ASC
	LIMIT ? OFFSET ?
	`, lo, hi, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list conversation: %w", err)
	}
	defer rows.Close()

	out := []models.Envelope{}
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: list conversation: %w", err)
	}
	return out, nil
}

func (s *Store) LastEnvelope(ctx context.Context) (models.Envelope, bool, error) {
	env, err := scanEnvelope(s.db.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, contracts.ErrEnvelopeNotFound) {
		return models.Envelope{}, false, nil
	}
	if err != nil {
		return models.Envelope{}, false, err
	}
	return env, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (models.Envelope, error) {
	var (
		env                            models.Envelope
		seq                            int64
		createdAt, deliveredAt, readAt int64
	)
	err := row.Scan(&env.ID, &seq, &env.SenderID, &env.RecipientID, &env.Ciphertext, &env.Nonce,
		&env.SenderPublicKey, &createdAt, &env.Delivered, &deliveredAt, &env.Read, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Envelope{}, contracts.ErrEnvelopeNotFound
	}
	if err != nil {
		return models.Envelope{}, fmt.Errorf("sqlitestore: scan envelope: %w", err)
	}
	env.Seq = uint64(seq)
	env.CreatedAt = fromUnixNano(createdAt)
	env.DeliveredAt = fromUnixNano(deliveredAt)
	env.ReadAt = fromUnixNano(readAt)
	return env, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
