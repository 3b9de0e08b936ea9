package journal

import (
	"io/fs"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(Migrations(""), ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}
	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			t.Fatalf("unexpected file %s in migrations", entry.Name())
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestMigrationFilesSorted(t *testing.T) {
	files, err := migrationFiles(Migrations(""), ".up.sql")
	if err != nil {
		t.Fatalf("migrationFiles() error = %v", err)
	}
	if len(files) < 2 || files[0] != "0001_sync_journal.up.sql" {
		t.Fatalf("unexpected migration order %v", files)
	}
}

func TestMigrationsFromDirectory(t *testing.T) {
	files, err := migrationFiles(Migrations("migrations"), ".down.sql")
	if err != nil {
		t.Fatalf("migrationFiles() error = %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected down migrations on disk")
	}
}
