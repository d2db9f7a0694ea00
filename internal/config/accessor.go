package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// toMap round-trips cfg through JSON so paths match the json tags.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "autoai.command").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets an existing config value by dot-notation path.
// Unknown keys are rejected rather than silently dropped on re-decode.
func SetByPath(cfg *Config, path string, value any) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}
	m, err := toMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("key not found: %s", path)
		}
		parent = child
	}

	last := parts[len(parts)-1]
	old, ok := parent[last]
	if !ok {
		return fmt.Errorf("key not found: %s", path)
	}
	if _, isList := old.([]any); isList || (old == nil && last == "args") {
		if s, isStr := value.(string); isStr {
			parent[last] = strings.Fields(s)
		} else {
			parent[last] = value
		}
	} else {
		parent[last] = parseValue(value)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var updated Config
	if err := json.Unmarshal(data, &updated); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = updated
	return nil
}

// parseValue converts CLI string values to bool or number when they look like one.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// ListPaths returns every leaf path in sorted order with its current value.
func ListPaths(cfg *Config) ([]string, map[string]any) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, nil
	}
	values := make(map[string]any)
	flattenMap("", m, values)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, values
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenMap(path, child, result)
			continue
		}
		result[path] = v
	}
}
