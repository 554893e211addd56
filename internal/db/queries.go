package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/macjediwizard/shiftsync/internal/reconcile"
)

// defaultTokenID names the single stored provider token.
const defaultTokenID = "default"

// GetOrCreateUser returns an existing user by email or creates a new one.
func (db *DB) GetOrCreateUser(email, name string) (*User, error) {
	user, err := db.GetUserByEmail(email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	user = &User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `INSERT INTO users (id, email, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err = db.conn.Exec(query, user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// GetUserByEmail returns a user by their email address.
func (db *DB) GetUserByEmail(email string) (*User, error) {
	query := `SELECT id, email, name, created_at, updated_at FROM users WHERE email = ?`
	row := db.conn.QueryRow(query, email)

	user := &User{}
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	return user, nil
}

// LoadMappings returns the mapping table of a calendar.
func (db *DB) LoadMappings(ctx context.Context, calendarID string) (reconcile.Mappings, error) {
	query := `SELECT mapping_key, event_id FROM mappings WHERE calendar_id = ?`

	rows, err := db.conn.QueryContext(ctx, query, calendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	mappings := make(reconcile.Mappings)
	for rows.Next() {
		var key, eventID string
		if err := rows.Scan(&key, &eventID); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings[key] = eventID
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}

	return mappings, nil
}

// SaveMappings replaces the mapping table of a calendar in one transaction.
func (db *DB) SaveMappings(ctx context.Context, calendarID string, mappings reconcile.Mappings) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mappings WHERE calendar_id = ?`, calendarID); err != nil {
		return fmt.Errorf("failed to clear mappings: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO mappings (calendar_id, mapping_key, event_id, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare mapping insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for key, eventID := range mappings {
		if eventID == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, calendarID, key, eventID, now); err != nil {
			return fmt.Errorf("failed to insert mapping: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mappings: %w", err)
	}
	return nil
}

// ClearMappings deletes the mappings of a calendar, or of every calendar
// when calendarID is empty.
func (db *DB) ClearMappings(ctx context.Context, calendarID string) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	if calendarID == "" {
		result, err = db.conn.ExecContext(ctx, `DELETE FROM mappings`)
	} else {
		result, err = db.conn.ExecContext(ctx, `DELETE FROM mappings WHERE calendar_id = ?`, calendarID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to clear mappings: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

// ListMappings returns the stored entries of a calendar ordered by key, or
// the entries of every calendar when calendarID is empty.
func (db *DB) ListMappings(ctx context.Context, calendarID string) ([]*MappingEntry, error) {
	query := `SELECT calendar_id, mapping_key, event_id, updated_at FROM mappings
		WHERE ? = '' OR calendar_id = ? ORDER BY calendar_id, mapping_key`

	rows, err := db.conn.QueryContext(ctx, query, calendarID, calendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var entries []*MappingEntry
	for rows.Next() {
		e := &MappingEntry{}
		if err := rows.Scan(&e.CalendarID, &e.MappingKey, &e.EventID, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return entries, nil
}

// LoadPreferences returns the stored preferences, or zero preferences when
// none were saved.
func (db *DB) LoadPreferences(ctx context.Context) (reconcile.Preferences, error) {
	query := `SELECT initials, default_reminder_minutes FROM preferences WHERE id = 1`

	var (
		prefs   reconcile.Preferences
		minutes sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx, query).Scan(&prefs.Initials, &minutes)
	if errors.Is(err, sql.ErrNoRows) {
		return reconcile.Preferences{}, nil
	}
	if err != nil {
		return reconcile.Preferences{}, fmt.Errorf("failed to get preferences: %w", err)
	}

	if minutes.Valid {
		m := int(minutes.Int64)
		prefs.DefaultReminderMinutes = &m
	}
	return prefs, nil
}

// SavePreferences stores the preferences.
func (db *DB) SavePreferences(ctx context.Context, prefs reconcile.Preferences) error {
	var minutes sql.NullInt64
	if prefs.DefaultReminderMinutes != nil {
		minutes = sql.NullInt64{Int64: int64(*prefs.DefaultReminderMinutes), Valid: true}
	}

	query := `INSERT INTO preferences (id, initials, default_reminder_minutes, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET initials = excluded.initials,
			default_reminder_minutes = excluded.default_reminder_minutes,
			updated_at = excluded.updated_at`

	if _, err := db.conn.ExecContext(ctx, query, prefs.Initials, minutes, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}

// GetToken returns the stored provider token.
func (db *DB) GetToken(ctx context.Context) (*oauth2.Token, error) {
	query := `SELECT access_token, refresh_token, token_type, expiry FROM oauth_tokens WHERE id = ?`

	token := &oauth2.Token{}
	var expiry sql.NullTime
	err := db.conn.QueryRowContext(ctx, query, defaultTokenID).Scan(&token.AccessToken, &token.RefreshToken, &token.TokenType, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	if expiry.Valid {
		token.Expiry = expiry.Time
	}
	return token, nil
}

// SaveToken stores the provider token, replacing any previous one.
func (db *DB) SaveToken(ctx context.Context, token *oauth2.Token) error {
	if token == nil {
		return fmt.Errorf("failed to save token: token is nil")
	}

	var expiry sql.NullTime
	if !token.Expiry.IsZero() {
		expiry = sql.NullTime{Time: token.Expiry.UTC(), Valid: true}
	}

	query := `INSERT INTO oauth_tokens (id, access_token, refresh_token, token_type, expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query, defaultTokenID, token.AccessToken, token.RefreshToken,
		token.TokenType, expiry, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// DeleteToken removes the stored provider token.
func (db *DB) DeleteToken(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE id = ?`, defaultTokenID); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// CreateRunLog creates a new run log entry.
func (db *DB) CreateRunLog(ctx context.Context, log *RunLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO run_logs (id, calendar_id, kind, status, message, details, row_count,
		created, updated, skipped, errors, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query, log.ID, log.CalendarID, log.Kind, log.Status, log.Message, log.Details,
		log.Rows, log.Created, log.Updated, log.Skipped, log.Errors, log.Duration.Milliseconds(), log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run log: %w", err)
	}

	return nil
}

// GetRunLogs returns the most recent run logs, optionally for one calendar.
func (db *DB) GetRunLogs(ctx context.Context, calendarID string, limit int) ([]*RunLog, error) {
	query := `SELECT id, calendar_id, kind, status, message, details, row_count,
		created, updated, skipped, errors, duration_ms, created_at
		FROM run_logs WHERE (? = '' OR calendar_id = ?) ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, calendarID, calendarID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run logs: %w", err)
	}
	defer rows.Close()

	var logs []*RunLog
	for rows.Next() {
		log := &RunLog{}
		var durationMs int64
		err := rows.Scan(&log.ID, &log.CalendarID, &log.Kind, &log.Status, &log.Message, &log.Details, &log.Rows,
			&log.Created, &log.Updated, &log.Skipped, &log.Errors, &durationMs, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run logs: %w", err)
	}

	return logs, nil
}

// CleanOldRunLogs deletes run logs older than the given time.
func (db *DB) CleanOldRunLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM run_logs WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old run logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}
