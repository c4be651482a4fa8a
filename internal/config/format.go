package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// toJSON re-encodes a YAML document as JSON so both formats share the
// strict decoder. Duplicate mapping keys are rejected.
func toJSON(path string, data []byte) ([]byte, format, error) {
	f := formatOf(path)
	if f == formatJSON {
		return data, f, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, f, fmt.Errorf("parse yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return []byte("{}"), f, nil
	}
	v, err := nodeValue(doc.Content[0], "")
	if err != nil {
		return nil, f, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, f, fmt.Errorf("encode yaml as json: %w", err)
	}
	return out, f, nil
}

func nodeValue(n *yaml.Node, at string) (any, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return nodeValue(n.Alias, at)
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i].Value
			key := k
			if at != "" {
				key = at + "." + k
			}
			if _, dup := m[k]; dup {
				return nil, fmt.Errorf("yaml line %d: duplicate key %s", n.Content[i].Line, key)
			}
			v, err := nodeValue(n.Content[i+1], key)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	case yaml.SequenceNode:
		s := make([]any, 0, len(n.Content))
		for i, c := range n.Content {
			v, err := nodeValue(c, fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			s = append(s, v)
		}
		return s, nil
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("yaml line %d: %s: %w", n.Line, at, err)
		}
		return v, nil
	}
}
