package template

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Definition declares an orchestrator pipeline by condition kind name.
type Definition struct {
	Name       string
	Address    string
	Conditions []string
	Approve    bool
}

type fileDefinitions struct {
	Templates []fileTemplate `toml:"template"`
}

type fileTemplate struct {
	Name       string   `toml:"name"`
	Address    string   `toml:"address"`
	Conditions []string `toml:"conditions"`
	Approve    *bool    `toml:"approve"`
}

// LoadDefinitions reads [[template]] tables from a TOML file.
func LoadDefinitions(path string) ([]Definition, error) {
	var raw fileDefinitions
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("load template definitions: %w", err)
	}
	return normalizeDefinitions(raw)
}

// DecodeDefinitions parses [[template]] tables from TOML text.
func DecodeDefinitions(data string) ([]Definition, error) {
	var raw fileDefinitions
	if _, err := toml.Decode(data, &raw); err != nil {
		return nil, fmt.Errorf("decode template definitions: %w", err)
	}
	return normalizeDefinitions(raw)
}

func normalizeDefinitions(raw fileDefinitions) ([]Definition, error) {
	out := make([]Definition, 0, len(raw.Templates))
	seen := make(map[string]bool, len(raw.Templates))
	for i, t := range raw.Templates {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("template %d: name required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("template %q declared twice", name)
		}
		seen[name] = true

		conditions := make([]string, 0, len(t.Conditions))
		for _, c := range t.Conditions {
			if v := strings.TrimSpace(c); v != "" {
				conditions = append(conditions, v)
			}
		}
		if len(conditions) == 0 {
			return nil, fmt.Errorf("template %q: conditions required", name)
		}

		address := strings.TrimSpace(t.Address)
		if address == "" {
			address = "template:" + name
		}
		approve := true
		if t.Approve != nil {
			approve = *t.Approve
		}
		out = append(out, Definition{
			Name:       name,
			Address:    address,
			Conditions: conditions,
			Approve:    approve,
		})
	}
	return out, nil
}
