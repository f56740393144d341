package symbols

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SymbolConfig is the layout of a symbols file:
//
//	symbols: [BTCUSDT, "*EUR"]
//	exclude: [LUNAEUR]
type SymbolConfig struct {
	// Symbols accepts the same patterns as BINANCE_SYMBOLS
	Symbols []string `yaml:"symbols"`
	Exclude []string `yaml:"exclude"`
}

// Patterns returns the filter patterns, exclusions prefixed with "!"
func (c SymbolConfig) Patterns() []string {
	out := make([]string, 0, len(c.Symbols)+len(c.Exclude))
	for _, s := range c.Symbols {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	for _, s := range c.Exclude {
		s = strings.TrimPrefix(strings.TrimSpace(s), "!")
		if s != "" {
			out = append(out, "!"+s)
		}
	}
	return out
}

// LoadSymbolsFromYAML loads symbol patterns from a YAML file
func LoadSymbolsFromYAML(filePath string) ([]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols file: %w", err)
	}

	var config SymbolConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse symbols YAML %s: %w", filePath, err)
	}

	patterns := config.Patterns()
	if NewFilter(patterns).include == nil {
		return nil, fmt.Errorf("no symbols found in %s", filePath)
	}
	return patterns, nil
}

// LoadSymbolsWithFallback tries the YAML file and returns fallback when it is unusable
func LoadSymbolsWithFallback(filePath string, fallback []string) []string {
	if filePath == "" {
		return fallback
	}
	patterns, err := LoadSymbolsFromYAML(filePath)
	if err != nil {
		return fallback
	}
	return patterns
}
