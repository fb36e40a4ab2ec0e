package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vdilab/vdilab/internal/models"
)

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const sessionColumns = `id, owner, project, name, software_stack, state, version, instance_id, private_ip, hostname,
	hibernate, idle_action, schedule_json, stop_reason, failure_reason, created_at, state_changed_at, updated_at, booted_at`

// CreateSession inserts a new session row at version 1.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if session == nil {
		return errors.New("session is required")
	}
	if session.Owner == "" {
		return errors.New("session owner is required")
	}
	if session.Project == "" {
		return errors.New("session project is required")
	}
	if session.State == "" {
		return errors.New("session state is required")
	}
	if session.ID == "" {
		session.ID = NewID()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.StateChangedAt.IsZero() {
		session.StateChangedAt = session.CreatedAt
	}
	session.UpdatedAt = now
	if session.IdleAction == "" {
		session.IdleAction = models.IdleActionStop
	}
	schedule, err := encodeSchedule(session.Schedule)
	if err != nil {
		return err
	}
	session.Version = 1
	_, err = s.DB.ExecContext(ctx, s.rebind(`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		session.ID,
		session.Owner,
		session.Project,
		session.Name,
		session.SoftwareStack,
		string(session.State),
		session.Version,
		nullIfEmpty(session.InstanceID),
		nullIfEmpty(session.PrivateIP),
		nullIfEmpty(session.Hostname),
		boolToInt(session.Hibernate),
		string(session.IdleAction),
		schedule,
		nullIfEmpty(string(session.StopReason)),
		nullIfEmpty(session.FailureReason),
		formatTime(session.CreatedAt),
		formatTime(session.StateChangedAt),
		formatTime(session.UpdatedAt),
		nullTime(session.BootedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (models.Session, error) {
	if s == nil || s.DB == nil {
		return models.Session{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	session, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session, err
}

// ListSessions returns all sessions ordered by created_at descending.
func (s *Store) ListSessions(ctx context.Context) ([]models.Session, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListSessionsByState returns sessions in any of the given states.
func (s *Store) ListSessionsByState(ctx context.Context, states ...models.SessionState) ([]models.Session, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, state := range states {
		placeholders[i] = "?"
		args[i] = string(state)
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE state IN (` + strings.Join(placeholders, ", ") + `) ORDER BY created_at ASC`
	rows, err := s.DB.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions by state: %w", err)
	}
	return collectSessions(rows)
}

// CountLiveSessions counts sessions for owner/project that are not deleted.
func (s *Store) CountLiveSessions(ctx context.Context, owner, project string) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM sessions
		WHERE owner = ? AND project = ? AND state NOT IN (?, ?)`),
		owner, project, string(models.SessionDeleted), string(models.SessionError))
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions for %s/%s: %w", owner, project, err)
	}
	return count, nil
}

// UpdateSession writes the full session if its version still matches.
//
// On success the in-memory session carries the new version and updated_at.
// A concurrent writer that committed first causes ErrVersionConflict; a
// missing row causes ErrNotFound.
func (s *Store) UpdateSession(ctx context.Context, session *models.Session) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	schedule, err := encodeSchedule(session.Schedule)
	if err != nil {
		return err
	}
	updatedAt := time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE sessions SET
		name = ?, software_stack = ?, state = ?, version = version + 1, instance_id = ?, private_ip = ?, hostname = ?,
		hibernate = ?, idle_action = ?, schedule_json = ?, stop_reason = ?, failure_reason = ?,
		state_changed_at = ?, updated_at = ?, booted_at = ?
		WHERE id = ? AND version = ?`),
		session.Name,
		session.SoftwareStack,
		string(session.State),
		nullIfEmpty(session.InstanceID),
		nullIfEmpty(session.PrivateIP),
		nullIfEmpty(session.Hostname),
		boolToInt(session.Hibernate),
		string(session.IdleAction),
		schedule,
		nullIfEmpty(string(session.StopReason)),
		nullIfEmpty(session.FailureReason),
		formatTime(session.StateChangedAt),
		formatTime(updatedAt),
		nullTime(session.BootedAt),
		session.ID,
		session.Version,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", session.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected session %s: %w", session.ID, err)
	}
	if affected == 0 {
		if _, getErr := s.GetSession(ctx, session.ID); errors.Is(getErr, ErrNotFound) {
			return getErr
		}
		return fmt.Errorf("session %s at version %d: %w", session.ID, session.Version, ErrVersionConflict)
	}
	session.Version++
	session.UpdatedAt = updatedAt
	return nil
}

func collectSessions(rows *sql.Rows) ([]models.Session, error) {
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func scanSessionRow(scanner interface{ Scan(dest ...any) error }) (models.Session, error) {
	var session models.Session
	var state, idleAction string
	var instanceID, privateIP, hostname, schedule, stopReason, failure, bootedAt sql.NullString
	var hibernate int
	var createdAt, stateChangedAt, updatedAt string
	if err := scanner.Scan(
		&session.ID,
		&session.Owner,
		&session.Project,
		&session.Name,
		&session.SoftwareStack,
		&state,
		&session.Version,
		&instanceID,
		&privateIP,
		&hostname,
		&hibernate,
		&idleAction,
		&schedule,
		&stopReason,
		&failure,
		&createdAt,
		&stateChangedAt,
		&updatedAt,
		&bootedAt,
	); err != nil {
		return models.Session{}, err
	}
	if state == "" {
		return models.Session{}, errors.New("session state missing")
	}
	session.State = models.SessionState(state)
	session.IdleAction = models.IdleAction(idleAction)
	session.InstanceID = instanceID.String
	session.PrivateIP = privateIP.String
	session.Hostname = hostname.String
	session.Hibernate = hibernate != 0
	session.StopReason = models.StopReason(stopReason.String)
	session.FailureReason = failure.String
	if schedule.Valid && schedule.String != "" {
		if err := json.Unmarshal([]byte(schedule.String), &session.Schedule); err != nil {
			return models.Session{}, fmt.Errorf("parse schedule_json: %w", err)
		}
	}
	var err error
	if session.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	if session.StateChangedAt, err = parseTime(stateChangedAt); err != nil {
		return models.Session{}, fmt.Errorf("parse state_changed_at: %w", err)
	}
	if session.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Session{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if session.BootedAt, err = parseTime(bootedAt.String); err != nil {
		return models.Session{}, fmt.Errorf("parse booted_at: %w", err)
	}
	return session, nil
}

func encodeSchedule(schedule models.Schedule) (any, error) {
	if len(schedule) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(schedule)
	if err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}
	return string(data), nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new lexically sortable ULID string.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return formatTime(value)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
