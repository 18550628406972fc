// Package store persists the gateway's cross-restart state in SQLite:
// per-session resume tokens and pending-compaction markers, and the
// two TTL-bounded dedupe tables that make delivery and inbound
// handling idempotent across restarts. Grounded on the namespaced
// key-value upsert pattern used for operational state, generalized
// into dedicated tables per §6 of the data model since these records
// need more structure (TTL expiry, composite keys) than a flat
// namespace/key/value row provides.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the gateway's persistent state store. All public methods
// are safe for concurrent use; SQLite serializes writes.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, applying the schema if
// it is not already present.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writes; avoid lock contention

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_key TEXT PRIMARY KEY,
		engine      TEXT NOT NULL,
		resume      TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_compaction (
		session_key TEXT PRIMARY KEY,
		reason      TEXT NOT NULL,
		set_at      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox_dedupe (
		channel_id      TEXT NOT NULL,
		account_id      TEXT NOT NULL,
		peer_id         TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		message_id      TEXT NOT NULL,
		expires_at      TEXT NOT NULL,
		PRIMARY KEY (channel_id, account_id, peer_id, idempotency_key)
	);

	CREATE TABLE IF NOT EXISTS inbound_dedupe (
		peer_id    TEXT NOT NULL,
		message_id TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (peer_id, message_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// PutSessionResume upserts a session's engine and resume token.
func (s *Store) PutSessionResume(sessionKey, engine, resume string) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_key, engine, resume, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_key) DO UPDATE
		 SET engine = excluded.engine, resume = excluded.resume, updated_at = excluded.updated_at`,
		sessionKey, engine, resume, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("put session resume %s: %w", sessionKey, err)
	}
	return nil
}

// GetSessionResume returns the stored engine/resume pair for a
// session. ok is false if no row exists.
func (s *Store) GetSessionResume(sessionKey string) (engine, resume string, ok bool, err error) {
	row := s.db.QueryRow(
		`SELECT engine, resume FROM sessions WHERE session_key = ?`, sessionKey,
	)
	err = row.Scan(&engine, &resume)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("get session resume %s: %w", sessionKey, err)
	}
	return engine, resume, true, nil
}

// ClearSessionResume removes a session's resume state, used when an
// engine reports an unresumable context overflow.
func (s *Store) ClearSessionResume(sessionKey string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("clear session resume %s: %w", sessionKey, err)
	}
	return nil
}

// MarkPendingCompaction records that a session's next run should be
// preceded by a compaction step, for example because the prior run
// finished near the engine's context limit.
func (s *Store) MarkPendingCompaction(sessionKey, reason string) error {
	_, err := s.db.Exec(
		`INSERT INTO pending_compaction (session_key, reason, set_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (session_key) DO UPDATE
		 SET reason = excluded.reason, set_at = excluded.set_at`,
		sessionKey, reason, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("mark pending compaction %s: %w", sessionKey, err)
	}
	return nil
}

// PendingCompaction reports whether sessionKey has a pending
// compaction marker, and its reason.
func (s *Store) PendingCompaction(sessionKey string) (reason string, pending bool, err error) {
	row := s.db.QueryRow(`SELECT reason FROM pending_compaction WHERE session_key = ?`, sessionKey)
	err = row.Scan(&reason)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pending compaction %s: %w", sessionKey, err)
	}
	return reason, true, nil
}

// ClearPendingCompaction removes a session's compaction marker, once
// the compaction has been applied to a subsequent run.
func (s *Store) ClearPendingCompaction(sessionKey string) error {
	_, err := s.db.Exec(`DELETE FROM pending_compaction WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("clear pending compaction %s: %w", sessionKey, err)
	}
	return nil
}

// OutboxDedupeResult is what CheckOrClaimOutbox returns: whether the
// idempotency key was already claimed, and if so, the message_id
// recorded for the prior delivery (so a retry can reuse the same
// edit/delete target instead of re-sending).
type OutboxDedupeResult struct {
	AlreadyClaimed bool
	MessageID      string
}

// CheckOrClaimOutbox atomically checks whether (channelID, accountID,
// peerID, idempotencyKey) has an unexpired claim, and if not, claims
// it with messageID and ttl. This is the idempotent-fast-path check
// OutboundQueue performs before attempting delivery.
func (s *Store) CheckOrClaimOutbox(channelID, accountID, peerID, idempotencyKey, messageID string, ttl time.Duration) (OutboxDedupeResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return OutboxDedupeResult{}, fmt.Errorf("begin outbox claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var existingMsgID, expiresAt string
	row := tx.QueryRow(
		`SELECT message_id, expires_at FROM outbox_dedupe
		 WHERE channel_id = ? AND account_id = ? AND peer_id = ? AND idempotency_key = ?`,
		channelID, accountID, peerID, idempotencyKey,
	)
	err = row.Scan(&existingMsgID, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		// fall through to claim
	case err != nil:
		return OutboxDedupeResult{}, fmt.Errorf("check outbox claim: %w", err)
	default:
		if exp, perr := time.Parse(time.RFC3339Nano, expiresAt); perr == nil && now.Before(exp) {
			if cerr := tx.Commit(); cerr != nil {
				return OutboxDedupeResult{}, fmt.Errorf("commit outbox check: %w", cerr)
			}
			return OutboxDedupeResult{AlreadyClaimed: true, MessageID: existingMsgID}, nil
		}
	}

	_, err = tx.Exec(
		`INSERT INTO outbox_dedupe (channel_id, account_id, peer_id, idempotency_key, message_id, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id, account_id, peer_id, idempotency_key) DO UPDATE
		 SET message_id = excluded.message_id, expires_at = excluded.expires_at`,
		channelID, accountID, peerID, idempotencyKey, messageID, now.Add(ttl).Format(time.RFC3339Nano),
	)
	if err != nil {
		return OutboxDedupeResult{}, fmt.Errorf("claim outbox: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return OutboxDedupeResult{}, fmt.Errorf("commit outbox claim: %w", err)
	}
	return OutboxDedupeResult{}, nil
}

// ConfirmOutboxDelivery updates an existing claim's message_id once
// the real id is known, e.g. after a send op that was claimed with a
// placeholder. The caller already owns the claim, so this performs no
// duplicate check.
func (s *Store) ConfirmOutboxDelivery(channelID, accountID, peerID, idempotencyKey, messageID string) error {
	_, err := s.db.Exec(
		`UPDATE outbox_dedupe SET message_id = ?
		 WHERE channel_id = ? AND account_id = ? AND peer_id = ? AND idempotency_key = ?`,
		messageID, channelID, accountID, peerID, idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("confirm outbox delivery %s: %w", idempotencyKey, err)
	}
	return nil
}

// ReleaseOutboxClaim removes a claim after terminal delivery failure,
// so a caller-driven retry of the same idempotency key is not treated
// as a duplicate.
func (s *Store) ReleaseOutboxClaim(channelID, accountID, peerID, idempotencyKey string) error {
	_, err := s.db.Exec(
		`DELETE FROM outbox_dedupe WHERE channel_id = ? AND account_id = ? AND peer_id = ? AND idempotency_key = ?`,
		channelID, accountID, peerID, idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("release outbox claim %s: %w", idempotencyKey, err)
	}
	return nil
}

// CheckOrClaimInbound atomically checks whether (peerID, messageID)
// has already been seen within its TTL window, and if not, claims it.
// Returns true if this call observed a prior unexpired claim (the
// inbound message should be dropped as a duplicate).
func (s *Store) CheckOrClaimInbound(peerID, messageID string, ttl time.Duration) (duplicate bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin inbound claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var expiresAt string
	row := tx.QueryRow(
		`SELECT expires_at FROM inbound_dedupe WHERE peer_id = ? AND message_id = ?`,
		peerID, messageID,
	)
	err = row.Scan(&expiresAt)
	switch {
	case err == sql.ErrNoRows:
		// fall through to claim
	case err != nil:
		return false, fmt.Errorf("check inbound claim: %w", err)
	default:
		if exp, perr := time.Parse(time.RFC3339Nano, expiresAt); perr == nil && now.Before(exp) {
			if cerr := tx.Commit(); cerr != nil {
				return false, fmt.Errorf("commit inbound check: %w", cerr)
			}
			return true, nil
		}
	}

	_, err = tx.Exec(
		`INSERT INTO inbound_dedupe (peer_id, message_id, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (peer_id, message_id) DO UPDATE SET expires_at = excluded.expires_at`,
		peerID, messageID, now.Add(ttl).Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("claim inbound: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit inbound claim: %w", err)
	}
	return false, nil
}

// PruneExpired deletes outbox_dedupe and inbound_dedupe rows whose TTL
// has elapsed. Callers run this periodically; it is never required
// for correctness since the claim checks already treat expired rows
// as absent, only for keeping the tables from growing unbounded.
func (s *Store) PruneExpired() error {
	now := nowUTC()
	if _, err := s.db.Exec(`DELETE FROM outbox_dedupe WHERE expires_at < ?`, now); err != nil {
		return fmt.Errorf("prune outbox dedupe: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM inbound_dedupe WHERE expires_at < ?`, now); err != nil {
		return fmt.Errorf("prune inbound dedupe: %w", err)
	}
	return nil
}
