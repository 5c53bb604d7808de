package variant

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader discovers human-authored variant definitions from a directory of
// YAML files, one variant per file.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a loader that scans the given directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, logger: logger.With("component", "variants")}
}

// LoadAll reads every .yaml/.yml file in the directory. Files that fail to
// parse or validate are skipped with a warning; a bad definition never
// blocks the rest.
func (l *Loader) LoadAll() ([]*Variant, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read variants dir: %w", err)
	}

	var variants []*Variant
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		v, err := l.loadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			l.logger.Warn("skipping variant definition", "file", entry.Name(), "error", err)
			continue
		}
		variants = append(variants, v)
	}

	l.logger.Info("loaded variant definitions", "dir", l.dir, "count", len(variants))
	SortByID(variants)
	return variants, nil
}

func (l *Loader) loadFile(path string) (*Variant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var v Variant
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if v.Status == "" {
		v.Status = StatusCandidate
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}
