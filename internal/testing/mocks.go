package testing

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/vdilab/vdilab/internal/directory"
)

// FakeComputer is a computer account held by FakeDirectory.
type FakeComputer struct {
	Hostname    string
	OU          string
	Description string
	OTP         string
}

// FakeDirectory is an in-memory directory.Client for tests.
//
// Computer accounts are keyed by hostname. Errors can be injected per
// operation; an injected error stays in place until cleared.
type FakeDirectory struct {
	mu         sync.Mutex
	computers  map[string]FakeComputer
	entries    map[string]map[string][]string
	passwords  map[string]string
	errs       map[string]error
	calls      map[string]int
	controller string
}

var _ directory.Client = (*FakeDirectory)(nil)

// NewFakeDirectory creates an empty directory served by a single controller.
func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		computers:  make(map[string]FakeComputer),
		entries:    make(map[string]map[string][]string),
		passwords:  make(map[string]string),
		errs:       make(map[string]error),
		calls:      make(map[string]int),
		controller: "dc1.corp.example.com",
	}
}

// SetError makes op ("bind", "search", "add", "modify", "delete",
// "preset", "delete-computer", "reset") fail with err. A nil err clears it.
func (f *FakeDirectory) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// Calls returns how many times op was invoked.
func (f *FakeDirectory) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Computers returns a snapshot of computer accounts sorted by hostname.
func (f *FakeDirectory) Computers() []FakeComputer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeComputer, 0, len(f.computers))
	for _, c := range f.computers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// AddComputer seeds a computer account.
func (f *FakeDirectory) AddComputer(c FakeComputer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.computers[strings.ToUpper(c.Hostname)] = c
}

// Password returns the last password set for username.
func (f *FakeDirectory) Password(username string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passwords[username]
}

func (f *FakeDirectory) Bind(_ context.Context, creds directory.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("bind"); err != nil {
		return err
	}
	if creds.Username == "" {
		return &directory.AuthenticationError{Op: "bind", Err: fmt.Errorf("empty username")}
	}
	if want, ok := f.passwords[creds.Username]; ok && want != creds.Password {
		return &directory.AuthenticationError{Op: "bind", Err: fmt.Errorf("invalid credentials")}
	}
	return nil
}

var cnFilter = regexp.MustCompile(`\(cn=([^)]*)\)`)

// Search matches computer accounts by the cn in the filter and generic
// entries by exact DN when base equals the entry DN.
func (f *FakeDirectory) Search(_ context.Context, base, filter string, _ []string) ([]directory.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("search"); err != nil {
		return nil, err
	}
	if attrs, ok := f.entries[strings.ToLower(base)]; ok {
		return []directory.Entry{{DN: base, Attributes: copyAttrs(attrs)}}, nil
	}
	match := cnFilter.FindStringSubmatch(filter)
	if match == nil {
		return nil, nil
	}
	c, ok := f.computers[strings.ToUpper(match[1])]
	if !ok {
		return nil, nil
	}
	return []directory.Entry{{
		DN: fmt.Sprintf("cn=%s,%s", c.Hostname, c.OU),
		Attributes: map[string][]string{
			"cn":          {c.Hostname},
			"description": {c.Description},
		},
	}}, nil
}

func (f *FakeDirectory) AddEntry(_ context.Context, dn string, attrs map[string][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("add"); err != nil {
		return err
	}
	key := strings.ToLower(dn)
	if _, ok := f.entries[key]; ok {
		return directory.ErrEntryExists
	}
	f.entries[key] = copyAttrs(attrs)
	return nil
}

func (f *FakeDirectory) ModifyAttribute(_ context.Context, dn, name string, values []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("modify"); err != nil {
		return err
	}
	attrs, ok := f.entries[strings.ToLower(dn)]
	if !ok {
		return directory.ErrEntryNotFound
	}
	attrs[name] = append([]string(nil), values...)
	return nil
}

func (f *FakeDirectory) DeleteEntry(_ context.Context, dn string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete"); err != nil {
		return err
	}
	key := strings.ToLower(dn)
	if _, ok := f.entries[key]; !ok {
		return directory.ErrEntryNotFound
	}
	delete(f.entries, key)
	return nil
}

func (f *FakeDirectory) PresetComputer(_ context.Context, req directory.ComputerRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("preset"); err != nil {
		return "", err
	}
	if err := directory.ValidateHostname(req.Hostname); err != nil {
		return "", err
	}
	key := strings.ToUpper(req.Hostname)
	if _, ok := f.computers[key]; ok {
		return "", directory.ErrEntryExists
	}
	f.computers[key] = FakeComputer{
		Hostname:    req.Hostname,
		OU:          req.OU,
		Description: req.Description,
		OTP:         req.OTP,
	}
	return f.controller, nil
}

func (f *FakeDirectory) DeleteComputer(_ context.Context, hostname, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete-computer"); err != nil {
		return err
	}
	delete(f.computers, strings.ToUpper(hostname))
	return nil
}

func (f *FakeDirectory) ResetPassword(_ context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("reset"); err != nil {
		return err
	}
	f.passwords[username] = password
	return nil
}

func (f *FakeDirectory) Close() error { return nil }

// record counts a call and returns the injected error for op. Callers hold f.mu.
func (f *FakeDirectory) record(op string) error {
	f.calls[op]++
	return f.errs[op]
}

func copyAttrs(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
