package database

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationsEmbedded(t *testing.T) {
	// Verify that the embedded migrations filesystem contains expected files.
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("reading embedded migrations dir: %v", err)
	}

	if len(entries) == 0 {
		t.Fatal("no migration files embedded")
	}

	var ups, downs int
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".up.sql") {
			ups++
		}
		if strings.HasSuffix(name, ".down.sql") {
			downs++
		}
	}

	if ups == 0 {
		t.Error("no .up.sql migration files found")
	}
	if ups != downs {
		t.Errorf("migration pairs mismatched: %d up, %d down", ups, downs)
	}
}

func TestIdentityMigrationContent(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/000002_identity.up.sql")
	if err != nil {
		t.Fatalf("reading 000002_identity.up.sql: %v", err)
	}

	content := string(data)
	expectedTables := []string{
		"CREATE TABLE vrp_identities",
		"CREATE TABLE vrp_leaves",
		"CREATE TABLE vrp_roots",
		"CREATE TABLE vrp_nullifiers",
		"CREATE TABLE platform_identities",
	}
	for _, table := range expectedTables {
		if !strings.Contains(content, table) {
			t.Errorf("migration missing expected SQL: %s", table)
		}
	}

	// Role and topic registries are seeded by the migration itself.
	if !strings.Contains(content, "'AI_AGENT'") {
		t.Error("role seed rows missing")
	}
	if !strings.Contains(content, "'annex:server:v1'") {
		t.Error("topic seed rows missing")
	}
}

func TestFederationMigrationEnforcesSingleActiveAgreement(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/000005_federation.up.sql")
	if err != nil {
		t.Fatalf("reading 000005_federation.up.sql: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "UNIQUE INDEX") || !strings.Contains(content, "WHERE active") {
		t.Error("federation migration should carry a partial unique index on active agreements")
	}
}

func TestObserveMigrationSeqConstraint(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/000006_observe.up.sql")
	if err != nil {
		t.Fatalf("reading 000006_observe.up.sql: %v", err)
	}

	if !strings.Contains(string(data), "UNIQUE (server_id, seq)") {
		t.Error("event log migration should enforce (server_id, seq) uniqueness")
	}
}

func TestDownMigrationsDropTables(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".down.sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			t.Fatalf("reading %s: %v", e.Name(), err)
		}
		if !strings.Contains(string(data), "DROP TABLE") {
			t.Errorf("%s should contain DROP TABLE statements", e.Name())
		}
	}
}
