package db

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_SortsAndSkips(t *testing.T) {
	source := fstest.MapFS{
		"002_jobs.sql":      {Data: []byte("CREATE TABLE job (id INT);")},
		"001_core.sql":      {Data: []byte("CREATE TABLE hospital (id INT);")},
		"README.md":         {Data: []byte("docs")},
		"notes_draft.sql":   {Data: []byte("SELECT 1;")},
		"010_indexes.sql":   {Data: []byte("CREATE INDEX x ON job (id);")},
		"archive/003_x.sql": {Data: []byte("SELECT 1;")},
	}

	migrations, err := LoadMigrations(source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	wantVersions := []int{1, 2, 10}
	for i, v := range wantVersions {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if !strings.Contains(migrations[0].SQL, "hospital") {
		t.Errorf("expected 001 SQL to be loaded, got %q", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	source := fstest.MapFS{
		"001_core.sql":  {Data: []byte("SELECT 1;")},
		"001_other.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := LoadMigrations(source); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}
