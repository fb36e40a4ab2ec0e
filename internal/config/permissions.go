package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	permOwnerRead  = 0o400
	permGroupRead  = 0o040
	permGroupWrite = 0o020
	permGroupExec  = 0o010
	permOtherMask  = 0o007
)

// CheckFilePermissions validates a file that may hold credentials: the daemon
// config, the age key, or the bootstrap service account password.
//
// It returns a warning when the file is group-readable and an error when the
// file is accessible by others or group-writable/executable.
func CheckFilePermissions(label, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%s path is required", label)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s %s: %w", label, path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s %s must be a regular file", label, path)
	}
	perms := info.Mode().Perm()
	if perms&permOwnerRead == 0 {
		return "", fmt.Errorf("%s %s must be readable by owner (mode %04o)", label, path, perms)
	}
	if perms&permOtherMask != 0 {
		return "", fmt.Errorf("%s %s must not be accessible by others (mode %04o)", label, path, perms)
	}
	if perms&(permGroupWrite|permGroupExec) != 0 {
		return "", fmt.Errorf("%s %s must not be group-writable or executable (mode %04o)", label, path, perms)
	}
	if perms&permGroupRead != 0 {
		return fmt.Sprintf("%s %s is group-readable (mode %04o); consider chmod 0600", label, path, perms), nil
	}
	return "", nil
}

// SensitiveFiles lists the files CheckFilePermissions should inspect at startup.
func (c Config) SensitiveFiles() map[string]string {
	files := map[string]string{
		"config":                 c.ConfigPath,
		"service account secret": c.Automation.ServiceAccountPasswordFile,
	}
	if _, err := os.Stat(c.Secrets.AgeKeyPath); err == nil {
		files["age key"] = c.Secrets.AgeKeyPath
	}
	return files
}
