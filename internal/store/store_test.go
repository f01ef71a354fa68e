package store

import "testing"

func TestOpen(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestOpenForeignKeys(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	var fk int
	if err := s.conn.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("expected foreign keys enabled, got %d", fk)
	}
}

func TestOpenWALMode(t *testing.T) {
	path := t.TempDir() + "/crystalmath.db"
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	var mode string
	if err := s.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected wal mode, got %s", mode)
	}
}

func TestOpenMigration(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	tables := []string{
		"jobs", "clusters", "remote_jobs", "job_dependencies",
		"workflows", "workflow_nodes", "queue_state", "cluster_state",
		"scheduler_metrics", "schema_version",
	}
	for _, table := range tables {
		var name string
		err := s.conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s does not exist: %v", table, err)
			continue
		}
		if name != table {
			t.Errorf("expected table %s, got %s", table, name)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/crystalmath.db"
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer s2.Close()

	v, err := s2.currentVersion()
	if err != nil {
		t.Fatalf("currentVersion: %v", err)
	}
	if v != schemaVersion {
		t.Errorf("expected schema at version %d, got %d", schemaVersion, v)
	}
}
