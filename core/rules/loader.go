package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"berkut-siem/core/utils"
)

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule file, or every .yml/.yaml file in a directory.
// Rules that fail to compile are logged and skipped.
func LoadRules(path string, logger *utils.Logger) ([]Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat rules path: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read rules dir: %w", err)
		}
		files = files[:0]
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext == ".yml" || ext == ".yaml" {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}
	var out []Rule
	seen := map[string]string{}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		parsed, err := ParseRules(data)
		if err != nil {
			logger.Errorf("rules: skip %s: %v", f, err)
			continue
		}
		for _, r := range parsed {
			r.SourceFile = f
			if err := r.Compile(); err != nil {
				logger.Errorf("rules: skip %q in %s: %v", r.ID, f, err)
				continue
			}
			if prev, dup := seen[r.ID]; dup {
				logger.Errorf("rules: duplicate id %q in %s (first in %s), skipped", r.ID, f, prev)
				continue
			}
			seen[r.ID] = f
			out = append(out, r)
		}
	}
	logger.Printf("rules: loaded %d rules from %d files", len(out), len(files))
	return out, nil
}

// ParseRules accepts either a {rules: [...]} document or a bare list of rules.
// The returned rules are not compiled.
func ParseRules(data []byte) ([]Rule, error) {
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err == nil && doc.Rules != nil {
		return doc.Rules, nil
	}
	var list []Rule
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return list, nil
}
