package migrator

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration is one versioned schema change.
type Migration struct {
	Version      int
	Name         string
	UpSQL        string
	Dependencies []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.*)$`)
)

// ParseMigration parses a migration file body. The filename carries the
// version and name (NNN_name.sql); the body must contain a
// "-- +migrate Up" marker, optionally followed by "-- +migrate Depends: N M".
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	lines := strings.Split(string(content), "\n")

	upLine := -1
	for i, line := range lines {
		if upMarkerRegex.MatchString(strings.TrimSpace(line)) {
			upLine = i
			break
		}
	}
	if upLine < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	var deps []int
	var body []string
	for _, line := range lines[upLine+1:] {
		trimmed := strings.TrimSpace(line)
		if m := dependsRegex.FindStringSubmatch(trimmed); m != nil {
			fields := strings.Fields(m[1])
			if len(fields) == 0 {
				return nil, fmt.Errorf("empty dependency list in migration file: %s", filename)
			}
			for _, f := range fields {
				dep, err := strconv.Atoi(f)
				if err != nil {
					return nil, fmt.Errorf("invalid dependency version '%s' in migration file: %s", f, filename)
				}
				deps = append(deps, dep)
			}
			continue
		}
		body = append(body, line)
	}

	sql := strings.TrimSpace(strings.Join(body, "\n"))
	if sql == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	return &Migration{
		Version:      version,
		Name:         matches[2],
		UpSQL:        sql,
		Dependencies: deps,
	}, nil
}

// LoadMigrations reads every NNN_name.sql file at the root of fsys, validates
// the set, and returns it sorted by version. Files that do not match the
// naming pattern are ignored.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Clean(entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file: %w", err)
		}

		m, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	if err := validateSet(migrations); err != nil {
		return nil, err
	}

	return migrations, nil
}

// validateSet checks for duplicate or missing versions and for dependencies
// that point at unknown or later migrations.
func validateSet(migrations []Migration) error {
	known := make(map[int]bool, len(migrations))
	for i, m := range migrations {
		if known[m.Version] {
			return fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		if m.Version != i+1 {
			return fmt.Errorf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
		known[m.Version] = true
	}

	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !known[dep] {
				return fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
			// Migrations apply in version order, so a dependency on the same or
			// a later version can never be satisfied.
			if dep >= m.Version {
				return fmt.Errorf("migration %d depends on version %d which is not earlier", m.Version, dep)
			}
		}
	}

	return nil
}
