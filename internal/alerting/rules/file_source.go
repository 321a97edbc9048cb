// Package rules loads alert rules from YAML files and reloads them when the files change.
package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	alerting "infrawatch/internal/alerting/domain"
)

type document struct {
	Rules []alerting.Rule `yaml:"rules"`
}

// FileSource reads rules from a YAML file or from every *.yaml / *.yml file in a directory.
type FileSource struct {
	path string
}

// NewFileSource constructs a file rule source.
func NewFileSource(path string) (*FileSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rules: empty path")
	}
	return &FileSource{path: filepath.Clean(path)}, nil
}

// Name identifies the source in diagnostics.
func (s *FileSource) Name() string { return "file:" + s.path }

// Path returns the configured file or directory.
func (s *FileSource) Path() string { return s.path }

// Load parses every rule file. A parse failure is reported as a ConfigError.
func (s *FileSource) Load(ctx context.Context) ([]alerting.Rule, error) {
	files, err := s.files()
	if err != nil {
		return nil, err
	}
	var (
		out        []alerting.Rule
		violations []string
	)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rules, err := parseFile(file)
		if err != nil {
			violations = append(violations, err.Error())
			continue
		}
		out = append(out, rules...)
	}
	if len(violations) > 0 {
		return nil, &alerting.ConfigError{Source: s.Name(), Violations: violations}
	}
	return out, nil
}

// Matches reports whether a changed path belongs to this source.
func (s *FileSource) Matches(path string) bool {
	path = filepath.Clean(path)
	if path == s.path {
		return true
	}
	return filepath.Dir(path) == s.path && isRuleFile(path)
}

func (s *FileSource) files() ([]string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	if !info.IsDir() {
		return []string{s.path}, nil
	}
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(s.path, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isRuleFile(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func parseFile(path string) ([]alerting.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var doc document
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range doc.Rules {
		rule := &doc.Rules[i]
		if rule.Query.Kind == "" {
			rule.Query.Kind = rule.Type
		}
		rule.Severity = alerting.Severity(strings.ToLower(strings.TrimSpace(string(rule.Severity))))
	}
	return doc.Rules, nil
}
