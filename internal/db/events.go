package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vdilab/vdilab/internal/models"
)

// RecordEvent appends an audit event. The ID and timestamp are filled when empty.
func (s *Store) RecordEvent(ctx context.Context, ev models.Event) (models.Event, error) {
	if s == nil || s.DB == nil {
		return models.Event{}, errors.New("db store is nil")
	}
	ev.Kind = strings.TrimSpace(ev.Kind)
	if ev.Kind == "" {
		return models.Event{}, errors.New("event kind is required")
	}
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(`INSERT INTO events (id, ts, kind, session_id, task_id, msg, json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID,
		formatTime(ev.Timestamp),
		ev.Kind,
		nullIfEmpty(ev.SessionID),
		nullIfEmpty(ev.TaskID),
		nullIfEmpty(ev.Message),
		nullIfEmpty(ev.JSON),
	)
	if err != nil {
		return models.Event{}, fmt.Errorf("insert event %s: %w", ev.Kind, err)
	}
	return ev, nil
}

// ListEventsBySession returns up to limit events for a session, oldest first.
func (s *Store) ListEventsBySession(ctx context.Context, sessionID string, limit int) ([]models.Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(`SELECT id, ts, kind, session_id, task_id, msg, json
		FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`), sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

// ListEventsByKind returns up to limit events of a kind, oldest first.
func (s *Store) ListEventsByKind(ctx context.Context, kind string, limit int) ([]models.Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(`SELECT id, ts, kind, session_id, task_id, msg, json
		FROM events WHERE kind = ? ORDER BY id ASC LIMIT ?`), kind, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]models.Event, error) {
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (models.Event, error) {
	var ev models.Event
	var ts string
	var sessionID, taskID, msg, payload sql.NullString
	if err := scanner.Scan(&ev.ID, &ts, &ev.Kind, &sessionID, &taskID, &msg, &payload); err != nil {
		return models.Event{}, fmt.Errorf("scan event: %w", err)
	}
	parsed, err := parseTime(ts)
	if err != nil {
		return models.Event{}, fmt.Errorf("parse event ts: %w", err)
	}
	ev.Timestamp = parsed
	ev.SessionID = sessionID.String
	ev.TaskID = taskID.String
	ev.Message = msg.String
	ev.JSON = payload.String
	return ev, nil
}
