package similarity

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Settings struct {
	Scorer          string `yaml:"scorer"`
	TopN            int    `yaml:"top_n"`
	PrototypePrefix string `yaml:"prototype_prefix"`
	MinPhenotypes   int    `yaml:"min_phenotypes"`
}

func DefaultSettings() Settings {
	return Settings{
		Scorer:          DefaultScorer,
		PrototypePrefix: "MIM",
		MinPhenotypes:   1,
	}
}

// LoadSettings reads a YAML settings file. An empty path yields the defaults;
// fields missing from the file keep their default values.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	if strings.TrimSpace(path) == "" {
		return settings, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("read similarity settings: %w", err)
	}
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return settings, fmt.Errorf("parse similarity settings: %w", err)
	}
	return settings.normalized(), nil
}

// WithOverrides applies non-zero environment overrides.
func (s Settings) WithOverrides(scorer string, topN int) Settings {
	if strings.TrimSpace(scorer) != "" {
		s.Scorer = scorer
	}
	if topN > 0 {
		s.TopN = topN
	}
	return s.normalized()
}

func (s Settings) normalized() Settings {
	if strings.TrimSpace(s.Scorer) == "" {
		s.Scorer = DefaultScorer
	}
	if s.PrototypePrefix == "" {
		s.PrototypePrefix = "MIM"
	}
	if s.MinPhenotypes < 1 {
		s.MinPhenotypes = 1
	}
	if s.TopN < 0 {
		s.TopN = 0
	}
	return s
}
