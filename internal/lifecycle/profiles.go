package lifecycle

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vdilab/vdilab/internal/models"
)

// Authorizer decides whether an owner may create a session.
type Authorizer interface {
	Authorize(owner, project, stack string) (models.PermissionProfile, error)
}

// ProfileSet holds permission profiles keyed by project.
type ProfileSet struct {
	profiles map[string]models.PermissionProfile
}

// NewProfileSet validates profiles and indexes them by project.
func NewProfileSet(profiles ...models.PermissionProfile) (*ProfileSet, error) {
	set := &ProfileSet{profiles: make(map[string]models.PermissionProfile, len(profiles))}
	for _, p := range profiles {
		if err := set.add(p, "profile"); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// LoadProfiles reads every YAML file in dir. A file may hold several
// documents separated by "---"; each document is one project profile.
func LoadProfiles(dir string) (*ProfileSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profiles dir %s: %w", dir, err)
	}
	set := &ProfileSet{profiles: make(map[string]models.PermissionProfile)}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read profile %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		for doc := 1; ; doc++ {
			var p models.PermissionProfile
			err := dec.Decode(&p)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("parse profile %s document %d: %w", path, doc, err)
			}
			if p.Project == "" && len(p.AllowedOwners) == 0 && len(p.AllowedStacks) == 0 {
				continue
			}
			if err := set.add(p, fmt.Sprintf("profile %s document %d", path, doc)); err != nil {
				return nil, err
			}
		}
	}
	return set, nil
}

func (s *ProfileSet) add(p models.PermissionProfile, where string) error {
	p.Project = strings.TrimSpace(p.Project)
	if p.Project == "" {
		return fmt.Errorf("%s missing project", where)
	}
	if p.MaxSessionsPerOwner < 0 {
		return fmt.Errorf("%s max_sessions_per_owner must be >= 0", where)
	}
	if _, exists := s.profiles[p.Project]; exists {
		return fmt.Errorf("duplicate profile for project %q", p.Project)
	}
	s.profiles[p.Project] = p
	return nil
}

// Authorize returns the project's profile when owner and stack are allowed.
// Empty allowed_owners or "*" admits any owner; empty allowed_stacks admits
// any stack.
func (s *ProfileSet) Authorize(owner, project, stack string) (models.PermissionProfile, error) {
	if s == nil {
		return models.PermissionProfile{}, fmt.Errorf("%w: no permission profiles loaded", ErrPermissionDenied)
	}
	p, ok := s.profiles[project]
	if !ok {
		return models.PermissionProfile{}, fmt.Errorf("%w: no profile for project %q", ErrPermissionDenied, project)
	}
	if len(p.AllowedOwners) > 0 && !slices.Contains(p.AllowedOwners, owner) && !slices.Contains(p.AllowedOwners, "*") {
		return models.PermissionProfile{}, fmt.Errorf("%w: %s may not create sessions in %s", ErrPermissionDenied, owner, project)
	}
	if len(p.AllowedStacks) > 0 && !slices.Contains(p.AllowedStacks, stack) {
		return models.PermissionProfile{}, fmt.Errorf("%w: stack %s not allowed in %s", ErrPermissionDenied, stack, project)
	}
	return p, nil
}

// Projects returns the configured project names in order.
func (s *ProfileSet) Projects() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func isYAML(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
