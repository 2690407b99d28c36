package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS destinations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	campaign_id TEXT    NOT NULL,
	raw         TEXT    NOT NULL,
	number      TEXT    NOT NULL,
	attempted   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_destinations_campaign
	ON destinations (campaign_id, attempted);

CREATE TABLE IF NOT EXISTS blacklist (
	number TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS campaigns (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	max_concurrent     INTEGER NOT NULL,
	attempt_delay_ms   INTEGER NOT NULL,
	dial_timeout_ms    INTEGER NOT NULL,
	dtmf_timeout_ms    INTEGER NOT NULL,
	greeting_audio     TEXT NOT NULL,
	voicemail_audio    TEXT NOT NULL,
	transfer_extension TEXT NOT NULL,
	transfer_queue     TEXT NOT NULL,
	status             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attempts (
	id                   TEXT PRIMARY KEY,
	campaign_id          TEXT NOT NULL,
	number               TEXT NOT NULL,
	caller_id            TEXT NOT NULL,
	trunk                TEXT NOT NULL,
	state                TEXT NOT NULL,
	reason               TEXT NOT NULL,
	message              TEXT NOT NULL,
	digit                TEXT NOT NULL,
	response_latency_ms  INTEGER NOT NULL,
	voicemail_ms         INTEGER NOT NULL,
	started_at           INTEGER NOT NULL,
	ended_at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_campaign
	ON attempts (campaign_id);
`

// SQLiteStore persists contacts and attempt outcomes in SQLite.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens a SQLite store and bootstraps the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AddDestinations implements Store.
func (s *SQLiteStore) AddDestinations(ctx context.Context, campaignID string, raw []string) (int, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	added := 0
	for _, r := range raw {
		number, err := Normalize(r)
		if err != nil {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO destinations (campaign_id, raw, number, attempted) VALUES (?, ?, ?, 0)`,
			campaignID, r, number,
		); err != nil {
			return 0, fmt.Errorf("insert destination: %w", err)
		}
		added++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return added, nil
}

// HasEligible implements Store.
func (s *SQLiteStore) HasEligible(ctx context.Context, campaignID string) (bool, error) {
	var one int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM destinations
		 WHERE campaign_id = ? AND attempted = 0
		   AND number NOT IN (SELECT number FROM blacklist)
		 LIMIT 1`,
		campaignID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query eligible: %w", err)
	}
	return true, nil
}

// ClaimNext implements Store. Selection and the attempted marker update run
// in one transaction so concurrent claims cannot hand out the same row.
func (s *SQLiteStore) ClaimNext(ctx context.Context, campaignID string) (*Destination, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dest := &Destination{CampaignID: campaignID}
	err = tx.QueryRowContext(ctx,
		`SELECT id, raw, number FROM destinations
		 WHERE campaign_id = ? AND attempted = 0
		   AND number NOT IN (SELECT number FROM blacklist)
		 ORDER BY id LIMIT 1`,
		campaignID,
	).Scan(&dest.ID, &dest.Raw, &dest.Number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDestinations
	}
	if err != nil {
		return nil, fmt.Errorf("select next destination: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE destinations SET attempted = 1 WHERE id = ?`, dest.ID,
	); err != nil {
		return nil, fmt.Errorf("mark attempted: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return dest, nil
}

// ResetRun implements Store.
func (s *SQLiteStore) ResetRun(ctx context.Context, campaignID string) error {
	if _, err := s.sqlDB.ExecContext(ctx,
		`UPDATE destinations SET attempted = 0 WHERE campaign_id = ?`, campaignID,
	); err != nil {
		return fmt.Errorf("reset run: %w", err)
	}
	return nil
}

// Blacklist implements Store.
func (s *SQLiteStore) Blacklist(ctx context.Context, number string) error {
	normalized, err := Normalize(number)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO blacklist (number) VALUES (?)`, normalized,
	); err != nil {
		return fmt.Errorf("insert blacklist: %w", err)
	}
	return nil
}

// SaveCampaign implements Store.
func (s *SQLiteStore) SaveCampaign(ctx context.Context, rec CampaignRecord) error {
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO campaigns
			(id, name, max_concurrent, attempt_delay_ms, dial_timeout_ms,
			 dtmf_timeout_ms, greeting_audio, voicemail_audio,
			 transfer_extension, transfer_queue, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			max_concurrent = excluded.max_concurrent,
			attempt_delay_ms = excluded.attempt_delay_ms,
			dial_timeout_ms = excluded.dial_timeout_ms,
			dtmf_timeout_ms = excluded.dtmf_timeout_ms,
			greeting_audio = excluded.greeting_audio,
			voicemail_audio = excluded.voicemail_audio,
			transfer_extension = excluded.transfer_extension,
			transfer_queue = excluded.transfer_queue,
			status = excluded.status`,
		rec.ID, rec.Name, rec.MaxConcurrent,
		rec.AttemptDelay.Milliseconds(), rec.DialTimeout.Milliseconds(),
		rec.DTMFTimeout.Milliseconds(), rec.GreetingAudio, rec.VoicemailAudio,
		rec.TransferExtension, rec.TransferQueue, rec.Status,
	); err != nil {
		return fmt.Errorf("save campaign: %w", err)
	}
	return nil
}

// SetCampaignStatus implements Store.
func (s *SQLiteStore) SetCampaignStatus(ctx context.Context, campaignID, status string) error {
	if _, err := s.sqlDB.ExecContext(ctx,
		`UPDATE campaigns SET status = ? WHERE id = ?`, status, campaignID,
	); err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	return nil
}

// Campaigns implements Store.
func (s *SQLiteStore) Campaigns(ctx context.Context) ([]CampaignRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, name, max_concurrent, attempt_delay_ms, dial_timeout_ms,
			dtmf_timeout_ms, greeting_audio, voicemail_audio,
			transfer_extension, transfer_queue, status
		 FROM campaigns ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var out []CampaignRecord
	for rows.Next() {
		var rec CampaignRecord
		var delayMs, dialMs, dtmfMs int64
		if err := rows.Scan(
			&rec.ID, &rec.Name, &rec.MaxConcurrent, &delayMs, &dialMs, &dtmfMs,
			&rec.GreetingAudio, &rec.VoicemailAudio,
			&rec.TransferExtension, &rec.TransferQueue, &rec.Status,
		); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		rec.AttemptDelay = time.Duration(delayMs) * time.Millisecond
		rec.DialTimeout = time.Duration(dialMs) * time.Millisecond
		rec.DTMFTimeout = time.Duration(dtmfMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordAttempt implements Store.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO attempts
			(id, campaign_id, number, caller_id, trunk, state, reason, message,
			 digit, response_latency_ms, voicemail_ms, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			message = excluded.message,
			digit = excluded.digit,
			response_latency_ms = excluded.response_latency_ms,
			voicemail_ms = excluded.voicemail_ms,
			ended_at = excluded.ended_at`,
		rec.ID, rec.CampaignID, rec.Number, rec.CallerID, rec.Trunk,
		rec.State, rec.Reason, rec.Message, rec.Digit,
		rec.ResponseLatency.Milliseconds(), rec.VoicemailDuration.Milliseconds(),
		toMillis(rec.StartedAt), toMillis(rec.EndedAt),
	); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// Attempts implements Store.
func (s *SQLiteStore) Attempts(ctx context.Context, campaignID string) ([]AttemptRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, number, caller_id, trunk, state, reason, message, digit,
			response_latency_ms, voicemail_ms, started_at, ended_at
		 FROM attempts WHERE campaign_id = ? ORDER BY started_at`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		rec := AttemptRecord{CampaignID: campaignID}
		var latencyMs, vmMs, startedMs, endedMs int64
		if err := rows.Scan(
			&rec.ID, &rec.Number, &rec.CallerID, &rec.Trunk, &rec.State,
			&rec.Reason, &rec.Message, &rec.Digit,
			&latencyMs, &vmMs, &startedMs, &endedMs,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		rec.ResponseLatency = time.Duration(latencyMs) * time.Millisecond
		rec.VoicemailDuration = time.Duration(vmMs) * time.Millisecond
		rec.StartedAt = fromMillis(startedMs)
		rec.EndedAt = fromMillis(endedMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

var _ Store = (*SQLiteStore)(nil)
