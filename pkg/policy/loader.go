package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a policy file.
//
// The format is chosen by extension: .json for JSON, anything else is read
// as YAML (a superset of JSON). The raw document is validated against the
// embedded schema before it is decoded, so unknown fields are rejected.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("policy file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading policy: %s", path)
		}
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a policy from raw bytes. path is used
// for format detection and error messages.
func LoadFromBytes(data []byte, path string) (*Policy, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("policy file is empty")
	}

	isJSON := strings.EqualFold(filepath.Ext(path), ".json")
	jsonData, err := toJSON(data, isJSON)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var p Policy
	if isJSON {
		err = json.Unmarshal(data, &p)
	} else {
		err = yaml.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	p.ApplyDefaults()
	return &p, nil
}

func toJSON(data []byte, isJSON bool) ([]byte, error) {
	if isJSON {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in policy: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in policy: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert policy to JSON: %w", err)
	}
	return out, nil
}
