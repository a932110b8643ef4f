package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey lists files merged underneath the including file, so a shared
// base (server URLs, cache) can be reused by console and widget configs.
const includeKey = "$include"

const maxIncludeDepth = 8

type fileFormat int

const (
	formatYAML fileFormat = iota
	formatJSON5
)

func formatOf(path string) fileFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		return formatJSON5
	default:
		return formatYAML
	}
}

// LoadRaw reads a configuration file into one raw map with every $include
// resolved relative to the file that names it. Keys in the including file
// override the included ones.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	var chain []string
	return loadFile(path, &chain)
}

// loadFile parses path and its includes. chain holds the files currently
// being loaded, outermost first.
func loadFile(path string, chain *[]string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, open := range *chain {
		if open == abs {
			return nil, fmt.Errorf("config include cycle detected: %s -> %s", strings.Join(*chain, " -> "), abs)
		}
	}
	if len(*chain) >= maxIncludeDepth {
		return nil, fmt.Errorf("config includes nested deeper than %d at %s", maxIncludeDepth, abs)
	}
	*chain = append(*chain, abs)
	defer func() { *chain = (*chain)[:len(*chain)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	doc, err := parseDocument(data, formatOf(abs))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(abs), err)
	}
	expandTree(doc)
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(abs), err)
	}

	base := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		included, err := loadFile(inc, chain)
		if err != nil {
			return nil, err
		}
		base = overlay(base, included)
	}
	return overlay(base, doc), nil
}

// expandTree expands environment references in every string value of a
// parsed document. Keys are left alone, so $include survives. An expanded
// value is re-read as a YAML scalar, so "max_attempts: ${N}" stays a number.
func expandTree(value any) any {
	switch v := value.(type) {
	case string:
		expanded := expandEnv(v)
		if expanded == v {
			return v
		}
		var scalar any
		if err := yaml.Unmarshal([]byte(expanded), &scalar); err == nil {
			switch scalar.(type) {
			case bool, int, float64:
				return scalar
			}
		}
		return expanded
	case map[string]any:
		for key, child := range v {
			v[key] = expandTree(child)
		}
	case []any:
		for i, child := range v {
			v[i] = expandTree(child)
		}
	}
	return value
}

// expandEnv replaces ${NAME} and $NAME with environment values.
// ${NAME:-fallback} uses fallback when NAME is unset or empty.
func expandEnv(s string) string {
	return os.Expand(s, func(ref string) string {
		name, fallback, hasFallback := strings.Cut(ref, ":-")
		if value := os.Getenv(name); value != "" || !hasFallback {
			return value
		}
		return fallback
	})
}

func parseDocument(data []byte, format fileFormat) (map[string]any, error) {
	var doc map[string]any
	switch format {
	case formatJSON5:
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		var extra any
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes the include directive from doc and returns its paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	value, ok := doc[includeKey]
	delete(doc, includeKey)
	if !ok || value == nil {
		return nil, nil
	}

	var entries []any
	switch v := value.(type) {
	case string:
		entries = []any{v}
	case []any:
		entries = v
	default:
		return nil, fmt.Errorf("%s must be a string or list of strings", includeKey)
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		path, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings", includeKey)
		}
		if path = strings.TrimSpace(path); path != "" {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// overlay returns base with top merged over it. Nested sections merge key
// by key; any other value in top replaces the one in base.
func overlay(base, top map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(top))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range top {
		section, isSection := value.(map[string]any)
		existing, hasSection := out[key].(map[string]any)
		if isSection && hasSection {
			out[key] = overlay(existing, section)
			continue
		}
		out[key] = value
	}
	return out
}

// decodeRawConfig decodes the merged map into Config, reporting keys that
// match no field instead of ignoring them.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
