package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var schemaMigrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestUpMigrationsHaveDownCounterparts(t *testing.T) {
	files, err := upMigrations(schemaMigrationsDir)
	if err != nil {
		t.Fatalf("upMigrations() error = %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no migrations discovered")
	}
	for _, up := range files {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := os.Stat(down); err != nil {
			t.Fatalf("%s has no down migration: %v", filepath.Base(up), err)
		}
	}
}

func TestSchemaOrdersBlocksByteWise(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join(schemaMigrationsDir, "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	schema := strings.Join(strings.Fields(string(raw)), " ")

	checks := map[string]*regexp.Regexp{
		"order_key must sort with the C collation":     regexp.MustCompile(`order_key TEXT COLLATE "C" NOT NULL`),
		"order keys must be unique per script":         regexp.MustCompile(`CONSTRAINT script_blocks_order_unique UNIQUE \(script_id, order_key\)`),
		"order uniqueness must be checked at commit":   regexp.MustCompile(`script_blocks_order_unique UNIQUE \([^)]*\) DEFERRABLE INITIALLY DEFERRED`),
		"blocks must carry a version for write checks": regexp.MustCompile(`version BIGINT NOT NULL`),
	}
	for why, pattern := range checks {
		if !pattern.MatchString(schema) {
			t.Errorf("%s: %s not found", why, pattern)
		}
	}

	down, err := os.ReadFile(filepath.Join(schemaMigrationsDir, "0001_init.down.sql"))
	if err != nil {
		t.Fatalf("read init down migration: %v", err)
	}
	for _, table := range regexp.MustCompile(`CREATE TABLE IF NOT EXISTS (\w+)`).FindAllStringSubmatch(schema, -1) {
		if !strings.Contains(string(down), "DROP TABLE IF EXISTS "+table[1]+";") {
			t.Errorf("down migration does not drop %s", table[1])
		}
	}
}
