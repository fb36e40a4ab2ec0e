package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vdilab/vdilab/internal/models"
)

const provisioningEntryColumns = `token, session_id, instance_id, hostname, hostname_prefix, otp, domain_controller,
	status, error_message, expires_at, consumed_at, created_at`

// HashProvisioningToken returns the hex-encoded SHA-256 of a raw join token.
// Only hashes are persisted.
func HashProvisioningToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("provisioning token is required")
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:]), nil
}

// CreateProvisioningEntry stores a join handshake record keyed by the hash of
// entry.Token. The raw token is never written.
func (s *Store) CreateProvisioningEntry(ctx context.Context, entry models.OneTimeProvisioningEntry) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	tokenHash, err := HashProvisioningToken(entry.Token)
	if err != nil {
		return err
	}
	if entry.SessionID == "" {
		return errors.New("provisioning entry session id is required")
	}
	if entry.Hostname == "" {
		return errors.New("provisioning entry hostname is required")
	}
	if entry.ExpiresAt.IsZero() {
		return errors.New("provisioning entry expiry is required")
	}
	if entry.Status == "" {
		entry.Status = models.ProvisioningSuccess
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = s.DB.ExecContext(ctx, s.rebind(`INSERT INTO provisioning_entries (`+provisioningEntryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		tokenHash,
		entry.SessionID,
		entry.InstanceID,
		entry.Hostname,
		entry.HostnamePrefix,
		nullIfEmpty(entry.OTP),
		nullIfEmpty(entry.DomainController),
		string(entry.Status),
		nullIfEmpty(entry.ErrorMessage),
		formatTime(entry.ExpiresAt),
		nil,
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert provisioning entry for session %s: %w", entry.SessionID, err)
	}
	return nil
}

// GetLiveProvisioningEntry returns the newest successful, unconsumed,
// unexpired entry for a session. The Token field holds the stored hash.
func (s *Store) GetLiveProvisioningEntry(ctx context.Context, sessionID string, now time.Time) (models.OneTimeProvisioningEntry, error) {
	if s == nil || s.DB == nil {
		return models.OneTimeProvisioningEntry{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+provisioningEntryColumns+` FROM provisioning_entries
		WHERE session_id = ? AND status = ? AND consumed_at IS NULL AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`),
		sessionID, string(models.ProvisioningSuccess), formatTime(now))
	entry, err := scanProvisioningEntryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.OneTimeProvisioningEntry{}, fmt.Errorf("live provisioning entry for session %s: %w", sessionID, ErrNotFound)
	}
	return entry, err
}

// ConsumeProvisioningEntry marks the entry for token consumed and returns it.
//
// Only an unconsumed successful entry whose expiry is after now and whose
// instance matches can be consumed; anything else yields ErrNotFound so
// callers cannot distinguish expired from unknown tokens.
func (s *Store) ConsumeProvisioningEntry(ctx context.Context, token, instanceID string, now time.Time) (models.OneTimeProvisioningEntry, error) {
	if s == nil || s.DB == nil {
		return models.OneTimeProvisioningEntry{}, errors.New("db store is nil")
	}
	tokenHash, err := HashProvisioningToken(token)
	if err != nil {
		return models.OneTimeProvisioningEntry{}, err
	}
	nowText := formatTime(now)
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE provisioning_entries SET consumed_at = ?
		WHERE token = ? AND instance_id = ? AND status = ? AND consumed_at IS NULL AND expires_at > ?`),
		nowText, tokenHash, instanceID, string(models.ProvisioningSuccess), nowText)
	if err != nil {
		return models.OneTimeProvisioningEntry{}, fmt.Errorf("consume provisioning entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.OneTimeProvisioningEntry{}, fmt.Errorf("rows affected provisioning entry: %w", err)
	}
	if affected == 0 {
		return models.OneTimeProvisioningEntry{}, fmt.Errorf("provisioning entry: %w", ErrNotFound)
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+provisioningEntryColumns+` FROM provisioning_entries WHERE token = ?`), tokenHash)
	return scanProvisioningEntryRow(row)
}

// ListProvisioningEntries returns every entry recorded for a session, oldest first.
func (s *Store) ListProvisioningEntries(ctx context.Context, sessionID string) ([]models.OneTimeProvisioningEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(`SELECT `+provisioningEntryColumns+` FROM provisioning_entries
		WHERE session_id = ? ORDER BY created_at ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list provisioning entries: %w", err)
	}
	defer rows.Close()
	var out []models.OneTimeProvisioningEntry
	for rows.Next() {
		entry, err := scanProvisioningEntryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provisioning entries: %w", err)
	}
	return out, nil
}

// PurgeExpiredProvisioningEntries deletes entries whose expiry is at or before now.
func (s *Store) PurgeExpiredProvisioningEntries(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`DELETE FROM provisioning_entries WHERE expires_at <= ?`), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge provisioning entries: %w", err)
	}
	return res.RowsAffected()
}

func scanProvisioningEntryRow(scanner interface{ Scan(dest ...any) error }) (models.OneTimeProvisioningEntry, error) {
	var entry models.OneTimeProvisioningEntry
	var status string
	var otp, dc, errMsg, consumedAt sql.NullString
	var expiresAt, createdAt string
	if err := scanner.Scan(
		&entry.Token,
		&entry.SessionID,
		&entry.InstanceID,
		&entry.Hostname,
		&entry.HostnamePrefix,
		&otp,
		&dc,
		&status,
		&errMsg,
		&expiresAt,
		&consumedAt,
		&createdAt,
	); err != nil {
		return models.OneTimeProvisioningEntry{}, err
	}
	entry.OTP = otp.String
	entry.DomainController = dc.String
	entry.Status = models.ProvisioningStatus(status)
	entry.ErrorMessage = errMsg.String
	var err error
	if entry.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return models.OneTimeProvisioningEntry{}, fmt.Errorf("parse expires_at: %w", err)
	}
	if entry.ConsumedAt, err = parseTime(consumedAt.String); err != nil {
		return models.OneTimeProvisioningEntry{}, fmt.Errorf("parse consumed_at: %w", err)
	}
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.OneTimeProvisioningEntry{}, fmt.Errorf("parse created_at: %w", err)
	}
	return entry, nil
}
