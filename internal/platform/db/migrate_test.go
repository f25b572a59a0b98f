package db

import (
	"testing"
	"testing/fstest"

	"github.com/medicosmart/medicosmart/migrations"
)

func TestLoadMigrations_SortOrder(t *testing.T) {
	source := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	got, err := NewMigrator(nil, source).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 migrations, got %d", len(got))
	}

	want := []int{1, 2, 5, 10}
	for i, v := range want {
		if got[i].Version != v {
			t.Errorf("got[%d].Version = %d, want %d", i, got[i].Version, v)
		}
	}
	if got[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected SQL content: %s", got[0].SQL)
	}
}

func TestLoadMigrations_SkipsNonMigrationFiles(t *testing.T) {
	source := fstest.MapFS{
		"001_core.sql":       {Data: []byte("SELECT 1;")},
		"README.md":          {Data: []byte("docs")},
		"notes.sql":          {Data: []byte("SELECT 0;")},
		"abc_bad_prefix.sql": {Data: []byte("SELECT 0;")},
		"seed/002_data.sql":  {Data: []byte("SELECT 2;")},
	}

	got, err := NewMigrator(nil, source).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 1 || got[0].Name != "001_core.sql" {
		t.Fatalf("expected only 001_core.sql, got %+v", got)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	source := fstest.MapFS{
		"001_core.sql":  {Data: []byte("SELECT 1;")},
		"001_other.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, source).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	got, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) == 0 || got[0].Version != 1 {
		t.Fatalf("expected embedded migrations starting at version 1, got %+v", got)
	}
}
