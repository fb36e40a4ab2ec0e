package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vdilab/vdilab/internal/db"
	"github.com/vdilab/vdilab/internal/directory"
	"github.com/vdilab/vdilab/internal/models"
	"github.com/vdilab/vdilab/internal/taskqueue"
)

// RotationDue reports whether cred should be rotated at now: two days before
// its max age runs out, or immediately when the last change is unknown.
func RotationDue(cred models.ServiceCredential, defaultMaxAge time.Duration, now time.Time) bool {
	if cred.MaxAge <= 0 {
		cred.MaxAge = defaultMaxAge
	}
	expires := cred.ExpiresAt()
	if expires.IsZero() {
		return true
	}
	return !now.Before(expires.Add(-rotationLeadTime))
}

// HandleRotate rotates the service account password when it is due. Only one
// rotation runs per process and, through the store flag, per cluster. A
// failed rotation is not retried by the dispatcher; the next scheduled
// trigger enqueues a fresh task.
func (a *Agent) HandleRotate(ctx context.Context, task models.DirectoryTask) error {
	var p models.RotateCredentialPayload
	if err := taskqueue.DecodePayload(task, &p); err != nil {
		return err
	}
	username := strings.TrimSpace(p.Username)
	if username == "" {
		username = a.cfg.ServiceAccountUsername
	}
	if username == "" {
		return fmt.Errorf("rotate payload missing username: %w", taskqueue.ErrPoisonTask)
	}
	if !a.rotating.CompareAndSwap(false, true) {
		a.logger.Info("rotation already running in this process", "username", username)
		a.metrics.IncRotation("busy")
		return nil
	}
	defer a.rotating.Store(false)

	result, err := a.rotate(ctx, username, p.Force)
	a.metrics.IncRotation(result)
	if err != nil {
		a.logger.Error("credential rotation failed", "username", username, "err", err)
		a.recordEvent(ctx, "", "credential.rotation_failed", err.Error())
		return fmt.Errorf("rotate %s: %v: %w", username, err, taskqueue.ErrRetryLater)
	}
	return nil
}

func (a *Agent) rotate(ctx context.Context, username string, force bool) (string, error) {
	if a.sealer == nil {
		return "failed", errors.New("no sealer configured")
	}
	now := a.now().UTC()
	cred, err := a.store.GetServiceCredential(ctx, username)
	if err != nil {
		return "failed", fmt.Errorf("load credential: %w", err)
	}
	if !force && !RotationDue(cred, a.cfg.PasswordMaxAge, now) {
		a.logger.Debug("rotation not due", "username", username, "expires_at", cred.ExpiresAt())
		return "skipped", nil
	}
	err = a.store.BeginCredentialRotation(ctx, username, now, now.Add(-a.cfg.RotationStaleAfter))
	if errors.Is(err, db.ErrRotationInProgress) {
		a.logger.Info("rotation held by another process", "username", username)
		return "busy", nil
	}
	if err != nil {
		return "failed", err
	}

	password, sealed, err := a.newSecret()
	if err != nil {
		a.abortRotation(ctx, username)
		return "failed", err
	}
	if err := a.dir.ResetPassword(ctx, username, password); err != nil {
		a.abortRotation(ctx, username)
		return "failed", fmt.Errorf("reset password: %w", err)
	}
	// The directory now only accepts the new password.
	if a.creds != nil {
		a.creds.Set(directory.Credentials{Username: username, Password: password})
	}
	updated, err := a.store.CompleteCredentialRotation(ctx, username, sealed, now)
	if err != nil {
		a.abortRotation(ctx, username)
		return "failed", fmt.Errorf("store rotated credential: %w", err)
	}
	a.logger.Info("service credential rotated", "username", username, "generation", updated.Generation, "expires_at", updated.ExpiresAt())
	a.recordEvent(ctx, "", "credential.rotated", fmt.Sprintf("%s generation %d", username, updated.Generation))
	return "rotated", nil
}

func (a *Agent) newSecret() (string, string, error) {
	password, err := GeneratePassword()
	if err != nil {
		return "", "", err
	}
	sealed, err := a.sealer.Seal(password)
	if err != nil {
		return "", "", fmt.Errorf("seal password: %w", err)
	}
	return password, sealed, nil
}

func (a *Agent) abortRotation(ctx context.Context, username string) {
	if err := a.store.AbortCredentialRotation(ctx, username); err != nil {
		a.logger.Error("clear rotation flag", "username", username, "err", err)
	}
}

// LoadCredential makes the stored service credential the active bind
// identity. When none is stored yet, bootstrapPassword seeds it.
func (a *Agent) LoadCredential(ctx context.Context, bootstrapPassword string) error {
	username := a.cfg.ServiceAccountUsername
	if username == "" {
		return errors.New("automation.service_account_username is required")
	}
	if a.sealer == nil {
		return errors.New("no sealer configured")
	}
	cred, err := a.store.GetServiceCredential(ctx, username)
	switch {
	case err == nil:
		password, err := a.sealer.Open(cred.Secret)
		if err != nil {
			return fmt.Errorf("open stored credential %s: %w", username, err)
		}
		a.setCredentials(username, password)
		a.logger.Info("service credential loaded", "username", username, "generation", cred.Generation)
		return nil
	case !errors.Is(err, db.ErrNotFound):
		return err
	}

	if bootstrapPassword == "" {
		return fmt.Errorf("no stored credential for %s and no bootstrap password", username)
	}
	sealed, err := a.sealer.Seal(bootstrapPassword)
	if err != nil {
		return fmt.Errorf("seal bootstrap password: %w", err)
	}
	if err := a.store.UpsertServiceCredential(ctx, models.ServiceCredential{
		Username:        username,
		Secret:          sealed,
		Generation:      1,
		PasswordLastSet: a.now().UTC(),
		MaxAge:          a.cfg.PasswordMaxAge,
	}); err != nil {
		return err
	}
	a.setCredentials(username, bootstrapPassword)
	a.logger.Info("service credential bootstrapped", "username", username)
	return nil
}

func (a *Agent) setCredentials(username, password string) {
	if a.creds != nil {
		a.creds.Set(directory.Credentials{Username: username, Password: password})
	}
}
