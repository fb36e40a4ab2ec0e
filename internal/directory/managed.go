package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const defaultAdcliPath = "adcli"

// ManagedClient targets a managed Active Directory. Reads and attribute
// writes go over LDAP; computer accounts are created and removed with adcli
// against a discovered domain controller.
type ManagedClient struct {
	*LDAPClient
	runner CommandRunner
}

// NewManagedClient returns a managed directory client. A nil runner uses ExecRunner.
func NewManagedClient(cfg Config, creds CredentialSource, runner CommandRunner) *ManagedClient {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &ManagedClient{LDAPClient: NewLDAPClient(cfg, creds), runner: runner}
}

func (c *ManagedClient) adcli() string {
	if c.cfg.AdcliPath != "" {
		return c.cfg.AdcliPath
	}
	return defaultAdcliPath
}

// DomainControllers runs adcli discovery and returns the controllers that
// serve the configured domain.
func (c *ManagedClient) DomainControllers(ctx context.Context) ([]string, error) {
	args := []string{"info"}
	if c.cfg.UseLDAPS {
		args = append(args, "--use-ldaps")
	}
	args = append(args, strings.ToUpper(c.cfg.Domain))
	out, err := c.runner.Run(ctx, "", c.adcli(), args...)
	if err != nil {
		return nil, &TransientDirectoryError{Op: "discover", Err: err}
	}
	info := parseAdcliInfo(out)
	if name := info["domain-name"]; !strings.EqualFold(name, c.cfg.Domain) {
		return nil, &TransientDirectoryError{Op: "discover", Err: fmt.Errorf("domain mismatch: got %q want %q", name, c.cfg.Domain)}
	}
	if c.cfg.NetBIOS != "" {
		if short := info["domain-short"]; !strings.EqualFold(short, c.cfg.NetBIOS) {
			return nil, &TransientDirectoryError{Op: "discover", Err: fmt.Errorf("netbios mismatch: got %q want %q", short, c.cfg.NetBIOS)}
		}
	}
	controllers := strings.Fields(info["domain-controllers"])
	if len(controllers) == 0 {
		return nil, &TransientDirectoryError{Op: "discover", Err: errors.New("no domain controllers found")}
	}
	return controllers, nil
}

// PresetComputer creates the account with adcli, trying each discovered
// controller in turn.
func (c *ManagedClient) PresetComputer(ctx context.Context, req ComputerRequest) (string, error) {
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
	if err := ValidateDN(ou); err != nil {
		return "", err
	}
	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return "", Classify("preset-computer", err)
	}
	controllers, err := c.DomainControllers(ctx)
	if err != nil {
		return "", err
	}
	var errs []error
	for _, dc := range controllers {
		args := []string{
			"preset-computer",
			"--domain-controller=" + dc,
			"--login-user=" + creds.Username,
			"--stdin-password",
			"--one-time-password=" + req.OTP,
			"--domain=" + c.cfg.Domain,
			"--domain-ou=" + ou,
		}
		if req.Description != "" {
			args = append(args, "--description="+req.Description)
		}
		if c.cfg.UseLDAPS {
			args = append(args, "--use-ldaps")
		}
		args = append(args, req.Hostname)
		if _, err := c.runner.Run(ctx, creds.Password, c.adcli(), args...); err != nil {
			if ctx.Err() != nil {
				return "", Classify("preset-computer", ctx.Err())
			}
			errs = append(errs, fmt.Errorf("%s: %w", dc, err))
			continue
		}
		return dc, nil
	}
	return "", &TransientDirectoryError{Op: "preset-computer", Err: errors.Join(errs...)}
}

// DeleteComputer removes the account with adcli. A computer that is not
// found in the directory is treated as already deleted.
func (c *ManagedClient) DeleteComputer(ctx context.Context, hostname, ou string) error {
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
	if len(entries) == 0 {
		return nil
	}
	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return Classify("delete-computer", err)
	}
	controllers, err := c.DomainControllers(ctx)
	if err != nil {
		return err
	}
	args := []string{
		"delete-computer",
		"--domain-controller=" + controllers[0],
		"--login-user=" + creds.Username,
		"--stdin-password",
		"--domain=" + c.cfg.Domain,
		"--domain-realm=" + strings.ToUpper(c.cfg.Domain),
	}
	if c.cfg.UseLDAPS {
		args = append(args, "--use-ldaps")
	}
	args = append(args, hostname)
	if _, err := c.runner.Run(ctx, creds.Password, c.adcli(), args...); err != nil {
		return &TransientDirectoryError{Op: "delete-computer", Err: err}
	}
	return nil
}

// parseAdcliInfo reads "key = value" lines, skipping section headers.
func parseAdcliInfo(out string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		info[key] = value
	}
	return info
}
