// Package directory provides the client used for directory (LDAP / Active
// Directory) operations.
//
// Two variants implement Client:
//   - LDAPClient issues LDAP operations directly against an operator URI
//     (self-managed Active Directory or OpenLDAP).
//   - ManagedClient reuses LDAP for reads and writes but delegates computer
//     object creation and deletion to the adcli join tool.
//
// NewClient selects the variant from Config.Provider. Callers depend only on
// the Client interface.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Provider names accepted in Config.Provider.
const (
	ProviderActiveDirectory        = "activedirectory"
	ProviderManagedActiveDirectory = "aws_managed_activedirectory"
	ProviderOpenLDAP               = "openldap"
)

const defaultTimeout = 30 * time.Second

// Credentials is a bind identity.
type Credentials struct {
	Username string
	Password string
}

// Entry is a search result.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// Get returns the first value of the named attribute or "".
func (e Entry) Get(name string) string {
	for key, values := range e.Attributes {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// ComputerRequest describes a computer account to pre-create for an
// unattended join.
type ComputerRequest struct {
	Hostname    string
	OU          string
	Description string
	OTP         string
}

// Client is the capability set shared by all directory variants.
type Client interface {
	Bind(ctx context.Context, creds Credentials) error
	Search(ctx context.Context, base, filter string, attrs []string) ([]Entry, error)
	AddEntry(ctx context.Context, dn string, attrs map[string][]string) error
	ModifyAttribute(ctx context.Context, dn, name string, values []string) error
	DeleteEntry(ctx context.Context, dn string) error

	// PresetComputer creates a computer account that accepts req.OTP as its
	// join password. It returns the domain controller that holds the object.
	PresetComputer(ctx context.Context, req ComputerRequest) (string, error)
	// DeleteComputer removes a computer account. A missing account is not an error.
	DeleteComputer(ctx context.Context, hostname, ou string) error
	// ResetPassword sets a new password for a directory user.
	ResetPassword(ctx context.Context, username, password string) error

	Close() error
}

// Config selects and configures a directory variant.
type Config struct {
	Provider      string        `mapstructure:"provider" yaml:"provider"`
	URI           string        `mapstructure:"uri" yaml:"uri"`
	Domain        string        `mapstructure:"domain" yaml:"domain"`
	NetBIOS       string        `mapstructure:"netbios" yaml:"netbios"`
	BaseDN        string        `mapstructure:"base_dn" yaml:"base_dn"`
	UsersOU       string        `mapstructure:"users_ou" yaml:"users_ou"`
	ComputersOU   string        `mapstructure:"computers_ou" yaml:"computers_ou"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	AdcliPath     string        `mapstructure:"adcli_path" yaml:"adcli_path"`
	UseLDAPS      bool          `mapstructure:"use_ldaps" yaml:"use_ldaps"`
	SkipTLSVerify bool          `mapstructure:"skip_tls_verify" yaml:"skip_tls_verify"`
}

// Validate checks the fields every variant needs.
func (c Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderActiveDirectory, ProviderManagedActiveDirectory, ProviderOpenLDAP:
	default:
		errs = append(errs, fmt.Errorf("directory.provider %q is not supported", c.Provider))
	}
	if strings.TrimSpace(c.URI) == "" {
		errs = append(errs, errors.New("directory.uri is required"))
	}
	if strings.TrimSpace(c.BaseDN) == "" {
		errs = append(errs, errors.New("directory.base_dn is required"))
	} else if err := ValidateDN(c.BaseDN); err != nil {
		errs = append(errs, fmt.Errorf("directory.base_dn: %w", err))
	}
	if c.Provider == ProviderManagedActiveDirectory && strings.TrimSpace(c.Domain) == "" {
		errs = append(errs, errors.New("directory.domain is required for managed directories"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("directory.timeout must be >= 0"))
	}
	return errors.Join(errs...)
}

// ComputersBase resolves the computers OU to a full DN. A bare OU name is
// placed under the NetBIOS OU of the base DN.
func (c Config) ComputersBase() string {
	return c.resolveOU(c.ComputersOU, "Computers")
}

// UsersBase resolves the users OU to a full DN.
func (c Config) UsersBase() string {
	return c.resolveOU(c.UsersOU, "Users")
}

func (c Config) resolveOU(ou, fallback string) string {
	ou = strings.TrimSpace(ou)
	if ou == "" {
		ou = fallback
	}
	if strings.Contains(ou, "=") {
		return ou
	}
	if c.NetBIOS != "" {
		return fmt.Sprintf("ou=%s,ou=%s,%s", ou, c.NetBIOS, c.BaseDN)
	}
	return fmt.Sprintf("ou=%s,%s", ou, c.BaseDN)
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

// CredentialSource supplies the bind identity. Clients read it on every new
// connection so a rotated credential takes effect on next use.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// MemoryCredentials is a CredentialSource that can be updated in place.
// It is safe for concurrent use.
type MemoryCredentials struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewMemoryCredentials returns a source holding creds.
func NewMemoryCredentials(creds Credentials) *MemoryCredentials {
	return &MemoryCredentials{creds: creds}
}

// Credentials returns the current identity.
func (m *MemoryCredentials) Credentials(context.Context) (Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds.Username == "" {
		return Credentials{}, &AuthenticationError{Op: "credentials", Err: errors.New("no bind credentials configured")}
	}
	return m.creds, nil
}

// Set replaces the identity returned to future callers.
func (m *MemoryCredentials) Set(creds Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
}

// NewClient builds the variant selected by cfg.Provider.
func NewClient(cfg Config, creds CredentialSource) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, errors.New("directory credential source is required")
	}
	switch cfg.Provider {
	case ProviderManagedActiveDirectory:
		return NewManagedClient(cfg, creds, nil), nil
	default:
		return NewLDAPClient(cfg, creds), nil
	}
}
