package directory

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/go-ldap/ldap/v3"
)

// userAccountControl flags for a pre-staged workstation account.
const (
	uacPasswordNotRequired = 0x0020
	uacWorkstationTrust    = 0x1000
)

// ldapConn is the subset of *ldap.Conn used by the clients.
type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	PasswordModify(req *ldap.PasswordModifyRequest) (*ldap.PasswordModifyResult, error)
}

type dialFunc func(ctx context.Context, cfg Config) (ldapConn, func(), error)

// LDAPClient talks LDAP directly to an operator-supplied URI.
//
// Every operation opens a connection, binds with the current identity from
// the CredentialSource, and closes the connection afterwards, so credential
// rotation needs no reconnect logic.
type LDAPClient struct {
	cfg   Config
	creds CredentialSource
	dial  dialFunc
}

// NewLDAPClient returns a self-managed directory client.
func NewLDAPClient(cfg Config, creds CredentialSource) *LDAPClient {
	return &LDAPClient{cfg: cfg, creds: creds, dial: dialLDAP}
}

func dialLDAP(ctx context.Context, cfg Config) (ldapConn, func(), error) {
	timeout := cfg.timeout()
	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}
	if cfg.UseLDAPS || strings.HasPrefix(strings.ToLower(cfg.URI), "ldaps://") {
		opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{
			InsecureSkipVerify: cfg.SkipTLSVerify, //nolint:gosec // operator opt-in for lab directories
			MinVersion:         tls.VersionTLS12,
		}))
	}
	conn, err := ldap.DialURL(cfg.URI, opts...)
	if err != nil {
		return nil, nil, err
	}
	conn.SetTimeout(timeout)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	closeFn := func() {
		stop()
		conn.Close()
	}
	return conn, closeFn, nil
}

// withConn dials, binds with the current identity, and runs fn.
func (c *LDAPClient) withConn(ctx context.Context, op string, fn func(conn ldapConn) error) error {
	if err := ctx.Err(); err != nil {
		return Classify(op, err)
	}
	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return Classify(op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeout())
	defer cancel()
	conn, closeFn, err := c.dial(ctx, c.cfg)
	if err != nil {
		return Classify(op, err)
	}
	defer closeFn()
	if err := conn.Bind(c.bindName(creds.Username), creds.Password); err != nil {
		return Classify("bind", err)
	}
	if err := fn(conn); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Classify(op, ctxErr)
		}
		return Classify(op, err)
	}
	return nil
}

// bindName turns a bare username into the form the server expects.
func (c *LDAPClient) bindName(username string) string {
	if strings.Contains(username, "=") || strings.Contains(username, "@") || strings.Contains(username, `\`) {
		return username
	}
	switch c.cfg.Provider {
	case ProviderOpenLDAP:
		return fmt.Sprintf("uid=%s,%s", escapeDNValue(username), c.cfg.UsersBase())
	default:
		if c.cfg.Domain != "" {
			return username + "@" + c.cfg.Domain
		}
		return username
	}
}

// Bind verifies that creds are accepted by the server.
func (c *LDAPClient) Bind(ctx context.Context, creds Credentials) error {
	if creds.Username == "" || creds.Password == "" {
		return &ValidationError{Field: "credentials", Err: errors.New("username and password are required")}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeout())
	defer cancel()
	conn, closeFn, err := c.dial(ctx, c.cfg)
	if err != nil {
		return Classify("bind", err)
	}
	defer closeFn()
	if err := conn.Bind(c.bindName(creds.Username), creds.Password); err != nil {
		return Classify("bind", err)
	}
	return nil
}

// Search runs a subtree search below base.
func (c *LDAPClient) Search(ctx context.Context, base, filter string, attrs []string) ([]Entry, error) {
	if err := ValidateDN(base); err != nil {
		return nil, err
	}
	if _, err := ldap.CompileFilter(filter); err != nil {
		return nil, &ValidationError{Field: "filter", Err: err}
	}
	var out []Entry
	err := c.withConn(ctx, "search", func(conn ldapConn) error {
		req := ldap.NewSearchRequest(base, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0,
			int(c.cfg.timeout().Seconds()), false, filter, attrs, nil)
		res, err := conn.Search(req)
		if err != nil {
			var ldapErr *ldap.Error
			if errors.As(err, &ldapErr) && ldapErr.ResultCode == ldap.LDAPResultNoSuchObject {
				return nil
			}
			return err
		}
		for _, e := range res.Entries {
			entry := Entry{DN: e.DN, Attributes: make(map[string][]string, len(e.Attributes))}
			for _, attr := range e.Attributes {
				entry.Attributes[attr.Name] = attr.Values
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// AddEntry creates an object. Attribute order is deterministic.
func (c *LDAPClient) AddEntry(ctx context.Context, dn string, attrs map[string][]string) error {
	if err := ValidateDN(dn); err != nil {
		return err
	}
	if len(attrs) == 0 {
		return &ValidationError{Field: "attributes", Err: errors.New("at least one attribute is required")}
	}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		if err := ValidateAttributeName(name); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return c.withConn(ctx, "add", func(conn ldapConn) error {
		req := ldap.NewAddRequest(dn, nil)
		for _, name := range names {
			req.Attribute(name, attrs[name])
		}
		return conn.Add(req)
	})
}

// ModifyAttribute replaces all values of one attribute.
func (c *LDAPClient) ModifyAttribute(ctx context.Context, dn, name string, values []string) error {
	if err := ValidateDN(dn); err != nil {
		return err
	}
	if err := ValidateAttributeName(name); err != nil {
		return err
	}
	return c.withConn(ctx, "modify", func(conn ldapConn) error {
		req := ldap.NewModifyRequest(dn, nil)
		req.Replace(name, values)
		return conn.Modify(req)
	})
}

// DeleteEntry removes an object.
func (c *LDAPClient) DeleteEntry(ctx context.Context, dn string) error {
	if err := ValidateDN(dn); err != nil {
		return err
	}
	return c.withConn(ctx, "delete", func(conn ldapConn) error {
		return conn.Del(ldap.NewDelRequest(dn, nil))
	})
}

// PresetComputer creates the computer object with the OTP as its initial
// password. Active Directory requires an LDAPS connection for unicodePwd.
func (c *LDAPClient) PresetComputer(ctx context.Context, req ComputerRequest) (string, error) {
	if err := ValidateHostname(req.Hostname); err != nil {
		return "", err
	}
	if req.OTP == "" {
		return "", &ValidationError{Field: "otp", Err: errors.New("one-time password is required")}
	}
	ou := req.OU
	if ou == "" {
		ou = c.cfg.ComputersBase()
	}
	dn := fmt.Sprintf("cn=%s,%s", escapeDNValue(req.Hostname), ou)
	var attrs map[string][]string
	if c.cfg.Provider == ProviderOpenLDAP {
		attrs = map[string][]string{
			"objectClass":  {"top", "device", "simpleSecurityObject"},
			"cn":           {req.Hostname},
			"description":  {req.Description},
			"userPassword": {req.OTP},
		}
	} else {
		attrs = map[string][]string{
			"objectClass":        {"top", "person", "organizationalPerson", "user", "computer"},
			"cn":                 {req.Hostname},
			"sAMAccountName":     {strings.ToUpper(req.Hostname) + "$"},
			"description":        {req.Description},
			"userAccountControl": {fmt.Sprintf("%d", uacWorkstationTrust|uacPasswordNotRequired)},
			"unicodePwd":         {encodeUnicodePwd(req.OTP)},
		}
		if c.cfg.Domain != "" {
			attrs["dNSHostName"] = []string{strings.ToLower(req.Hostname) + "." + c.cfg.Domain}
		}
	}
	if req.Description == "" {
		delete(attrs, "description")
	}
	if err := c.AddEntry(ctx, dn, attrs); err != nil {
		return "", err
	}
	return hostOf(c.cfg.URI), nil
}

// DeleteComputer removes the computer object named hostname.
func (c *LDAPClient) DeleteComputer(ctx context.Context, hostname, ou string) error {
	if err := ValidateHostname(hostname); err != nil {
		return err
	}
	if ou == "" {
		ou = c.cfg.ComputersBase()
	}
	entries, err := c.Search(ctx, ou, c.cfg.ComputerFilter(hostname), []string{"cn"})
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := c.DeleteEntry(ctx, entry.DN); err != nil && !errors.Is(err, ErrEntryNotFound) {
			return err
		}
	}
	return nil
}

// ResetPassword sets a new password for username.
func (c *LDAPClient) ResetPassword(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return &ValidationError{Field: "password", Err: errors.New("username and password are required")}
	}
	if c.cfg.Provider == ProviderOpenLDAP {
		userDN := fmt.Sprintf("uid=%s,%s", escapeDNValue(username), c.cfg.UsersBase())
		return c.withConn(ctx, "reset-password", func(conn ldapConn) error {
			_, err := conn.PasswordModify(ldap.NewPasswordModifyRequest(userDN, "", password))
			return err
		})
	}
	filter := fmt.Sprintf("(&(objectClass=user)(sAMAccountName=%s))", ldap.EscapeFilter(username))
	entries, err := c.Search(ctx, c.cfg.BaseDN, filter, []string{"sAMAccountName"})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("directory reset-password %s: %w", username, ErrEntryNotFound)
	}
	return c.ModifyAttribute(ctx, entries[0].DN, "unicodePwd", []string{encodeUnicodePwd(password)})
}

// Close is a no-op; connections are per operation.
func (c *LDAPClient) Close() error { return nil }

// ComputerFilter returns the search filter matching a computer named hostname.
func (c Config) ComputerFilter(hostname string) string {
	if c.Provider == ProviderOpenLDAP {
		return fmt.Sprintf("(&(objectClass=device)(cn=%s))", ldap.EscapeFilter(hostname))
	}
	return fmt.Sprintf("(&(objectClass=computer)(cn=%s))", ldap.EscapeFilter(hostname))
}

// encodeUnicodePwd produces the quoted UTF-16LE form Active Directory expects.
func encodeUnicodePwd(password string) string {
	units := utf16.Encode([]rune(`"` + password + `"`))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return string(buf)
}

func hostOf(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		rest = rest[:i]
	}
	if host, _, err := net.SplitHostPort(rest); err == nil {
		return host
	}
	return rest
}

// escapeDNValue escapes an attribute value for use in a DN (RFC 4514).
func escapeDNValue(value string) string {
	var b strings.Builder
	for i, r := range value {
		switch {
		case r == ',' || r == '+' || r == '"' || r == '\\' || r == '<' || r == '>' || r == ';' || r == '=':
			b.WriteByte('\\')
			b.WriteRune(r)
		case i == 0 && (r == ' ' || r == '#'):
			b.WriteByte('\\')
			b.WriteRune(r)
		case i == len(value)-1 && r == ' ':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
