package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadIncludesPipelineDefaults(t *testing.T) {
	t.Setenv("RETRIEVAL_RRF_K", "")
	t.Setenv("FIXED_TABLE_THRESHOLD", "")
	t.Setenv("SMALL_TO_BIG_TOKEN_BUDGET", "")
	t.Setenv("SESSION_TTL", "")
	t.Setenv("LEXICAL_BACKEND", "")

	cfg := Load()
	if cfg.RRFK != 1 {
		t.Fatalf("expected default rrf k 1, got %v", cfg.RRFK)
	}
	if cfg.FixedTableThreshold != 0.8 {
		t.Fatalf("expected default fixed-table threshold 0.8, got %v", cfg.FixedTableThreshold)
	}
	if cfg.SmallToBigBudget != 2000 {
		t.Fatalf("expected default small-to-big budget 2000, got %d", cfg.SmallToBigBudget)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("expected default session ttl 30m, got %s", cfg.SessionTTL)
	}
	if cfg.LexicalBackend != BackendPostgres || cfg.VectorBackend != BackendQdrant || cfg.FragmentStoreBackend != BackendPostgres {
		t.Fatalf("unexpected default backends %s/%s/%s", cfg.LexicalBackend, cfg.VectorBackend, cfg.FragmentStoreBackend)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("RETRIEVAL_RRF_K", "60")
	t.Setenv("MIN_RELEVANCE", "0.25")
	t.Setenv("SUB_QUERY_TIMEOUT", "3s")
	t.Setenv("VECTOR_BACKEND", " Milvus ")
	t.Setenv("FRAGMENT_STORE_BACKEND", "neo4j")
	t.Setenv("SPAN_EXPORT_ENABLED", "false")

	cfg := Load()
	if cfg.RRFK != 60 || cfg.MinRelevance != 0.25 {
		t.Fatalf("unexpected float overrides %v %v", cfg.RRFK, cfg.MinRelevance)
	}
	if cfg.SubQueryTimeout != 3*time.Second {
		t.Fatalf("unexpected duration override %s", cfg.SubQueryTimeout)
	}
	if cfg.VectorBackend != BackendMilvus || cfg.FragmentStoreBackend != BackendNeo4j {
		t.Fatalf("unexpected backends %s %s", cfg.VectorBackend, cfg.FragmentStoreBackend)
	}
	if cfg.SpanExportEnabled {
		t.Fatalf("expected span export disabled")
	}
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv("RETRIEVAL_RRF_K", "abc")
	t.Setenv("SESSION_TTL", "-1m")
	t.Setenv("LEXICAL_BACKEND", "elasticsearch")

	cfg := Load()
	if cfg.RRFK != 1 || cfg.SessionTTL != 30*time.Minute || cfg.LexicalBackend != BackendPostgres {
		t.Fatalf("expected fallbacks, got %v %s %s", cfg.RRFK, cfg.SessionTTL, cfg.LexicalBackend)
	}
}

func TestLoadFixedTables(t *testing.T) {
	tables, err := LoadFixedTables("")
	if err != nil || len(tables) != 3 {
		t.Fatalf("expected built-in vocabulary, got %d tables, %v", len(tables), err)
	}

	path := filepath.Join(t.TempDir(), "vocab.yaml")
	content := "tables:\n  - title: 合并利润表\n    keys: [营业收入, \" 净利润 \", \"\"]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write vocab: %v", err)
	}
	tables, err = LoadFixedTables(path)
	if err != nil {
		t.Fatalf("LoadFixedTables() error = %v", err)
	}
	if len(tables) != 1 || len(tables[0].Keys) != 2 || tables[0].Keys[1] != "净利润" {
		t.Fatalf("unexpected tables %+v", tables)
	}
}

func TestParseFixedTablesRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"empty":    "tables: []\n",
		"no title": "tables:\n  - keys: [a]\n",
		"no keys":  "tables:\n  - title: t\n    keys: []\n",
		"broken":   "tables: [",
	}
	for name, raw := range cases {
		if _, err := parseFixedTables([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := LoadFixedTables(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
