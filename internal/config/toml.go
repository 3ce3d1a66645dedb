package config

import (
	toml "github.com/pelletier/go-toml/v2"
)

// tomlParser adapts go-toml/v2 to koanf.Parser.
type tomlParser struct{}

// TOML returns a koanf parser for TOML documents.
func TOML() *tomlParser {
	return &tomlParser{}
}

func (p *tomlParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := toml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

func (p *tomlParser) Marshal(o map[string]interface{}) ([]byte, error) {
	return toml.Marshal(o)
}
