package migrator

import (
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.+)$`)
)

// ParseMigration parses one migration file's content. The filename supplies
// the version and name (NNN_name.sql).
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	name := matches[2]
	lines := strings.Split(string(content), "\n")

	// Find Up marker
	upMarkerFound := false
	noTransaction := false
	upMarkerLine := -1

	for i, line := range lines {
		if upMarkerRegex.MatchString(line) {
			upMarkerFound = true
			upMarkerLine = i
			m := upMarkerRegex.FindStringSubmatch(line)
			if len(m) > 1 && strings.TrimSpace(m[1]) == "notransaction" {
				noTransaction = true
			}
			break
		}
	}

	if !upMarkerFound {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	// Extract dependencies and SQL
	var dependencies []int
	sqlStartLine := upMarkerLine + 1

	// Look for dependency directives immediately after the Up marker
	for i := upMarkerLine + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		// Skip empty lines and regular comments
		if line == "" || (strings.HasPrefix(line, "--") && !strings.Contains(line, "+migrate")) {
			continue
		}

		if dependsRegex.MatchString(line) {
			m := dependsRegex.FindStringSubmatch(line)
			if len(m) > 1 {
				depsStr := strings.TrimSpace(m[1])
				if depsStr == "" {
					return nil, fmt.Errorf("empty dependency list in migration file: %s", filename)
				}

				for _, depStr := range strings.Fields(depsStr) {
					dep, err := strconv.Atoi(depStr)
					if err != nil {
						return nil, fmt.Errorf("invalid dependency version '%s' in migration file: %s", depStr, filename)
					}
					dependencies = append(dependencies, dep)
				}
			}
			sqlStartLine = i + 1
			continue
		}

		// First non-empty, non-comment, non-dependency line starts the SQL
		if line != "" && !strings.HasPrefix(line, "--") {
			sqlStartLine = i
			break
		}

		sqlStartLine = i + 1
	}

	sql := strings.TrimSpace(strings.Join(lines[sqlStartLine:], "\n"))
	if sql == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	return &Migration{
		Version:       version,
		Name:          name,
		UpSQL:         sql,
		NoTransaction: noTransaction,
		Dependencies:  dependencies,
	}, nil
}

// LoadMigrations reads every matching .sql file from the filesystem root,
// validates the set (no duplicates, no gaps, dependencies exist and are
// acyclic), and returns the migrations sorted by version. Works with both
// embedded filesystems and os.DirFS over an external directory.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		migration, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, *migration)
	}

	// Sort by version
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	// Detect circular dependencies before the other validations
	if err := detectCycle(migrations); err != nil {
		return nil, err
	}

	// Validate dependencies exist
	versionSet := make(map[int]bool)
	for _, m := range migrations {
		versionSet[m.Version] = true
	}
	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versionSet[dep] {
				return nil, fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	// Validate sequence (no gaps, no duplicates)
	if len(migrations) > 0 {
		versionsSeen := make(map[int]bool)
		expectedVersion := 1

		for _, m := range migrations {
			if versionsSeen[m.Version] {
				return nil, fmt.Errorf("duplicate migration version: %d", m.Version)
			}
			versionsSeen[m.Version] = true

			if m.Version != expectedVersion {
				return nil, fmt.Errorf("gap in migration versions: expected %d, found %d", expectedVersion, m.Version)
			}
			expectedVersion++
		}
	}

	return migrations, nil
}

// detectCycle uses a three-color DFS to detect circular dependencies.
// White (0) = unvisited, Gray (1) = visiting, Black (2) = completed
func detectCycle(migrations []Migration) error {
	graph := make(map[int][]int)
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
	}

	color := make(map[int]int)
	for _, m := range migrations {
		color[m.Version] = 0 // white
	}

	var dfs func(int, []int) error
	dfs = func(node int, path []int) error {
		color[node] = 1
		path = append(path, node)

		for _, dep := range graph[node] {
			if color[dep] == 1 {
				cyclePath := append(path, dep)
				return fmt.Errorf("circular dependency detected: %v", cyclePath)
			}
			if color[dep] == 0 {
				if err := dfs(dep, path); err != nil {
					return err
				}
			}
		}

		color[node] = 2
		return nil
	}

	for _, m := range migrations {
		if color[m.Version] == 0 {
			if err := dfs(m.Version, []int{}); err != nil {
				return err
			}
		}
	}

	return nil
}
