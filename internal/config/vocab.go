package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
)

type vocabFile struct {
	Tables []domain.FixedTable `yaml:"tables"`
}

// LoadFixedTables returns the built-in vocabulary unless path names a YAML override.
func LoadFixedTables(path string) ([]domain.FixedTable, error) {
	if strings.TrimSpace(path) == "" {
		return domain.DefaultFixedTables(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixed-table vocabulary: %w", err)
	}
	return parseFixedTables(raw)
}

func parseFixedTables(raw []byte) ([]domain.FixedTable, error) {
	var file vocabFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse fixed-table vocabulary: %w", err)
	}
	out := make([]domain.FixedTable, 0, len(file.Tables))
	for _, t := range file.Tables {
		t.Title = strings.TrimSpace(t.Title)
		if t.Title == "" {
			return nil, errors.New("fixed-table vocabulary: table without title")
		}
		keys := make([]string, 0, len(t.Keys))
		for _, k := range t.Keys {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("fixed-table vocabulary: table %s has no keys", t.Title)
		}
		out = append(out, domain.FixedTable{Title: t.Title, Keys: keys})
	}
	if len(out) == 0 {
		return nil, errors.New("fixed-table vocabulary is empty")
	}
	return out, nil
}
