package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

var (
	// ErrEntryNotFound is returned when the target object does not exist.
	ErrEntryNotFound = errors.New("directory entry not found")
	// ErrEntryExists is returned when an add collides with an existing object.
	ErrEntryExists = errors.New("directory entry already exists")
)

// AuthenticationError means the bind identity was rejected or lacks rights.
// It is fatal to the current attempt; the caller may retry up to its cap.
type AuthenticationError struct {
	Op  string
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("directory %s: authentication failed: %v", e.Op, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransientDirectoryError means the operation may succeed if retried
// (timeouts, connection loss, busy or unavailable servers).
type TransientDirectoryError struct {
	Op  string
	Err error
}

func (e *TransientDirectoryError) Error() string {
	return fmt.Sprintf("directory %s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientDirectoryError) Unwrap() error { return e.Err }

// ValidationError means the request itself is malformed. Retrying cannot help.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("directory validation failed: %v", e.Err)
	}
	return fmt.Sprintf("directory validation failed: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Permanent marks the error as non-retryable for the task dispatcher.
func (e *ValidationError) Permanent() bool { return true }

// Classify maps a raw LDAP, network, or context error into the directory
// error taxonomy. Errors that are already classified pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var authErr *AuthenticationError
	var transientErr *TransientDirectoryError
	var validationErr *ValidationError
	if errors.As(err, &authErr) || errors.As(err, &transientErr) || errors.As(err, &validationErr) {
		return err
	}
	if errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrEntryExists) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientDirectoryError{Op: op, Err: err}
	}
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		switch ldapErr.ResultCode {
		case ldap.LDAPResultInvalidCredentials,
			ldap.LDAPResultInsufficientAccessRights,
			ldap.LDAPResultInappropriateAuthentication,
			ldap.LDAPResultStrongAuthRequired,
			ldap.ErrorEmptyPassword:
			return &AuthenticationError{Op: op, Err: err}
		case ldap.LDAPResultNoSuchObject:
			return fmt.Errorf("directory %s: %w: %v", op, ErrEntryNotFound, err)
		case ldap.LDAPResultEntryAlreadyExists:
			return fmt.Errorf("directory %s: %w: %v", op, ErrEntryExists, err)
		case ldap.LDAPResultInvalidDNSyntax,
			ldap.LDAPResultNamingViolation,
			ldap.LDAPResultObjectClassViolation,
			ldap.LDAPResultConstraintViolation,
			ldap.LDAPResultUndefinedAttributeType,
			ldap.LDAPResultInvalidAttributeSyntax,
			ldap.LDAPResultAttributeOrValueExists,
			ldap.LDAPResultNoSuchAttribute,
			ldap.ErrorFilterCompile:
			return &ValidationError{Field: op, Err: err}
		default:
			return &TransientDirectoryError{Op: op, Err: err}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientDirectoryError{Op: op, Err: err}
	}
	return &TransientDirectoryError{Op: op, Err: err}
}

// IsRetryable reports whether a classified error may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	if errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrEntryExists) {
		return false
	}
	return true
}

// ValidateDN checks DN syntax.
func ValidateDN(dn string) error {
	if strings.TrimSpace(dn) == "" {
		return &ValidationError{Field: "dn", Err: errors.New("dn is empty")}
	}
	if _, err := ldap.ParseDN(dn); err != nil {
		return &ValidationError{Field: "dn", Err: err}
	}
	return nil
}

// ValidateAttributeName checks an LDAP attribute descriptor (letter followed
// by letters, digits, or hyphens).
func ValidateAttributeName(name string) error {
	if name == "" {
		return &ValidationError{Field: "attribute", Err: errors.New("attribute name is empty")}
	}
	for i, r := range name {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		if i == 0 && !isLetter {
			return &ValidationError{Field: "attribute", Err: fmt.Errorf("attribute %q must start with a letter", name)}
		}
		if !isLetter && !isDigit && r != '-' {
			return &ValidationError{Field: "attribute", Err: fmt.Errorf("attribute %q contains %q", name, r)}
		}
	}
	return nil
}

// ValidateHostname checks a NetBIOS-compatible computer name.
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return &ValidationError{Field: "hostname", Err: errors.New("hostname is empty")}
	}
	if len(hostname) > 15 {
		return &ValidationError{Field: "hostname", Err: fmt.Errorf("hostname %q exceeds 15 characters", hostname)}
	}
	for _, r := range hostname {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-'
		if !ok {
			return &ValidationError{Field: "hostname", Err: fmt.Errorf("hostname %q contains %q", hostname, r)}
		}
	}
	return nil
}
