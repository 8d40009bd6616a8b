package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/testroom/internal/model"
	"github.com/pavelanni/testroom/internal/store"
)

// importFile loads every test in path unless the file is byte-identical to
// the last import of the same path.
func importFile(ctx context.Context, db *store.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	hash := sha256sum(data)
	storedHash, err := db.ImportHash(ctx, path)
	if err != nil {
		return fmt.Errorf("check import status for %s: %w", path, err)
	}
	if storedHash == hash {
		slog.Info("test file unchanged, skipping", "path", path)
		return nil
	}

	tests, err := decodeTests(path, data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, t := range tests {
		if err := db.ImportTest(ctx, t); err != nil {
			return fmt.Errorf("import test %q from %s: %w", t.ID, path, err)
		}
	}

	if err := db.SetImportHash(ctx, path, hash); err != nil {
		return fmt.Errorf("record import for %s: %w", path, err)
	}
	if storedHash != "" {
		slog.Warn("test file changed since last import, questions replaced", "path", path)
	}
	slog.Info("imported tests", "path", path, "count", len(tests))
	return nil
}

// decodeTests accepts a single test or a list of tests, in YAML for .yaml and
// .yml files and JSON otherwise.
func decodeTests(path string, data []byte) ([]model.TestImport, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, err
		}
		if len(node.Content) == 0 {
			return nil, fmt.Errorf("empty document")
		}
		if node.Content[0].Kind == yaml.SequenceNode {
			var tests []model.TestImport
			if err := node.Decode(&tests); err != nil {
				return nil, err
			}
			return tests, nil
		}
		var t model.TestImport
		if err := node.Decode(&t); err != nil {
			return nil, err
		}
		return []model.TestImport{t}, nil
	default:
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var tests []model.TestImport
			if err := json.Unmarshal(trimmed, &tests); err != nil {
				return nil, err
			}
			return tests, nil
		}
		var t model.TestImport
		if err := json.Unmarshal(trimmed, &t); err != nil {
			return nil, err
		}
		return []model.TestImport{t}, nil
	}
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
