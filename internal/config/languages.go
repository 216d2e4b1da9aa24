package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Language is one supported dubbing target language.
type Language struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

// defaultLanguages is the compiled-in supported language set, used when no
// languages file is configured.
var defaultLanguages = []Language{
	{Code: "de", Name: "German"},
	{Code: "en", Name: "English"},
	{Code: "es", Name: "Spanish"},
	{Code: "fr", Name: "French"},
	{Code: "hi", Name: "Hindi"},
	{Code: "it", Name: "Italian"},
	{Code: "ja", Name: "Japanese"},
	{Code: "ko", Name: "Korean"},
	{Code: "pl", Name: "Polish"},
	{Code: "pt", Name: "Portuguese"},
	{Code: "ru", Name: "Russian"},
	{Code: "tr", Name: "Turkish"},
	{Code: "uk", Name: "Ukrainian"},
	{Code: "zh", Name: "Chinese"},
}

// Languages is the set of supported dubbing target languages.
type Languages struct {
	list  []Language
	codes map[string]bool
}

type languagesFile struct {
	Languages []Language `yaml:"languages"`
}

// LoadLanguages builds the supported language set. When path is empty the
// compiled-in defaults are used; otherwise the YAML file at path must contain
// a non-empty "languages" list of {code, name} entries.
func LoadLanguages(path string) (*Languages, error) {
	list := defaultLanguages
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
		if err != nil {
			return nil, fmt.Errorf("read languages file: %w", err)
		}
		var f languagesFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse languages file: %w", err)
		}
		if len(f.Languages) == 0 {
			return nil, fmt.Errorf("languages file %s defines no languages", path)
		}
		list = f.Languages
	}

	codes := make(map[string]bool, len(list))
	for _, l := range list {
		codes[l.Code] = true
	}
	return &Languages{list: list, codes: codes}, nil
}

// Supported reports whether the language code is a supported dubbing target.
func (l *Languages) Supported(code string) bool {
	return l.codes[code]
}

// List returns the supported languages sorted by code.
func (l *Languages) List() []Language {
	out := make([]Language, len(l.list))
	copy(out, l.list)
	sort.Slice(out, func(a, b int) bool { return out[a].Code < out[b].Code })
	return out
}
