package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toStrictJSON turns the on-disk document into JSON bytes so one strict
// decoder (DisallowUnknownFields) serves both formats. Files without a
// .yaml/.yml extension are assumed to be JSON already.
func toStrictJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return out, nil
}

// stringifyKeys rewrites YAML's map[any]any keys to strings so the document
// can round-trip through encoding/json.
func stringifyKeys(v any) any {
	switch node := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, e := range node {
			out[fmt.Sprint(k)] = stringifyKeys(e)
		}
		return out
	case map[string]any:
		for k, e := range node {
			node[k] = stringifyKeys(e)
		}
		return node
	case []any:
		for i, e := range node {
			node[i] = stringifyKeys(e)
		}
		return node
	}
	return v
}
