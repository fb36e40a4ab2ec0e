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

const credentialColumns = `username, secret, generation, password_last_set, max_age_seconds, rotation_in_progress, rotation_started_at, updated_at`

// ErrRotationInProgress is returned when another holder owns the rotation flag.
var ErrRotationInProgress = errors.New("credential rotation already in progress")

// UpsertServiceCredential seeds or overwrites the stored credential without
// touching the rotation flag.
func (s *Store) UpsertServiceCredential(ctx context.Context, cred models.ServiceCredential) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	cred.Username = strings.TrimSpace(cred.Username)
	if cred.Username == "" {
		return errors.New("credential username is required")
	}
	if cred.Secret == "" {
		return errors.New("credential secret is required")
	}
	now := formatTime(time.Now())
	_, err := s.DB.ExecContext(ctx, s.rebind(`INSERT INTO service_credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, NULL, ?)
		ON CONFLICT (username) DO UPDATE SET
			secret = excluded.secret,
			generation = excluded.generation,
			password_last_set = excluded.password_last_set,
			max_age_seconds = excluded.max_age_seconds,
			updated_at = excluded.updated_at`),
		cred.Username,
		cred.Secret,
		cred.Generation,
		nullTime(cred.PasswordLastSet),
		int64(cred.MaxAge/time.Second),
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert credential %s: %w", cred.Username, err)
	}
	return nil
}

// GetServiceCredential loads the stored credential for username.
func (s *Store) GetServiceCredential(ctx context.Context, username string) (models.ServiceCredential, error) {
	if s == nil || s.DB == nil {
		return models.ServiceCredential{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+credentialColumns+` FROM service_credentials WHERE username = ?`), username)
	cred, err := scanCredentialRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ServiceCredential{}, fmt.Errorf("credential %s: %w", username, ErrNotFound)
	}
	return cred, err
}

// BeginCredentialRotation sets the rotation flag if it is clear or was set at
// or before staleBefore. It returns ErrRotationInProgress when another holder
// owns a fresh flag.
func (s *Store) BeginCredentialRotation(ctx context.Context, username string, now, staleBefore time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE service_credentials
		SET rotation_in_progress = 1, rotation_started_at = ?, updated_at = ?
		WHERE username = ? AND (rotation_in_progress = 0 OR rotation_started_at IS NULL OR rotation_started_at <= ?)`),
		formatTime(now), formatTime(now), username, formatTime(staleBefore))
	if err != nil {
		return fmt.Errorf("begin rotation %s: %w", username, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected credential %s: %w", username, err)
	}
	if affected == 0 {
		if _, err := s.GetServiceCredential(ctx, username); err != nil {
			return err
		}
		return ErrRotationInProgress
	}
	return nil
}

// CompleteCredentialRotation stores the new sealed secret, bumps the
// generation, and clears the rotation flag.
func (s *Store) CompleteCredentialRotation(ctx context.Context, username, secret string, passwordLastSet time.Time) (models.ServiceCredential, error) {
	if s == nil || s.DB == nil {
		return models.ServiceCredential{}, errors.New("db store is nil")
	}
	if secret == "" {
		return models.ServiceCredential{}, errors.New("credential secret is required")
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE service_credentials
		SET secret = ?, generation = generation + 1, password_last_set = ?, rotation_in_progress = 0,
			rotation_started_at = NULL, updated_at = ?
		WHERE username = ? AND rotation_in_progress = 1`),
		secret, formatTime(passwordLastSet), formatTime(time.Now()), username)
	if err != nil {
		return models.ServiceCredential{}, fmt.Errorf("complete rotation %s: %w", username, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.ServiceCredential{}, fmt.Errorf("rows affected credential %s: %w", username, err)
	}
	if affected == 0 {
		return models.ServiceCredential{}, fmt.Errorf("complete rotation %s: flag not held", username)
	}
	return s.GetServiceCredential(ctx, username)
}

// AbortCredentialRotation clears the rotation flag without changing the secret.
func (s *Store) AbortCredentialRotation(ctx context.Context, username string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE service_credentials
		SET rotation_in_progress = 0, rotation_started_at = NULL, updated_at = ? WHERE username = ?`),
		formatTime(time.Now()), username)
	if err != nil {
		return fmt.Errorf("abort rotation %s: %w", username, err)
	}
	return nil
}

func scanCredentialRow(scanner interface{ Scan(dest ...any) error }) (models.ServiceCredential, error) {
	var cred models.ServiceCredential
	var lastSet, startedAt sql.NullString
	var maxAge int64
	var inProgress int
	var updatedAt string
	if err := scanner.Scan(
		&cred.Username,
		&cred.Secret,
		&cred.Generation,
		&lastSet,
		&maxAge,
		&inProgress,
		&startedAt,
		&updatedAt,
	); err != nil {
		return models.ServiceCredential{}, err
	}
	cred.MaxAge = time.Duration(maxAge) * time.Second
	cred.RotationInProgress = inProgress != 0
	var err error
	if cred.PasswordLastSet, err = parseTime(lastSet.String); err != nil {
		return models.ServiceCredential{}, fmt.Errorf("parse password_last_set: %w", err)
	}
	if cred.RotationStartedAt, err = parseTime(startedAt.String); err != nil {
		return models.ServiceCredential{}, fmt.Errorf("parse rotation_started_at: %w", err)
	}
	if cred.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.ServiceCredential{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return cred, nil
}
