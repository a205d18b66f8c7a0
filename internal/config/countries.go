package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fluwatch/flutracker/internal/domain"
)

// Country is one registry entry: reference data the analytics side needs
// that no upstream feed carries consistently.
type Country struct {
	Code       string   `yaml:"code"`
	Name       string   `yaml:"name"`
	Population int64    `yaml:"population"`
	Hemisphere string   `yaml:"hemisphere"`
	// Sources optionally restricts which feeds count toward this country's
	// analytics, so operators can exclude semantically-overlapping signals
	// (e.g. lab positives vs hospital-rate-derived estimates).
	Sources []string `yaml:"sources,omitempty"`
}

// Registry holds the per-country reference data keyed by alpha-2 code.
type Registry struct {
	countries map[string]Country
}

// LoadCountries reads the YAML country registry.
func LoadCountries(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read countries file: %w", err)
	}
	return ParseCountries(data)
}

// ParseCountries parses YAML registry content.
func ParseCountries(data []byte) (*Registry, error) {
	var doc struct {
		Countries []Country `yaml:"countries"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse countries file: %w", err)
	}

	reg := &Registry{countries: make(map[string]Country, len(doc.Countries))}
	for _, c := range doc.Countries {
		code := domain.NormalizeCountryCode(c.Code)
		if code == "" {
			return nil, fmt.Errorf("invalid country code %q in registry", c.Code)
		}
		switch c.Hemisphere {
		case "", domain.HemisphereNorth, domain.HemisphereSouth:
		default:
			return nil, fmt.Errorf("invalid hemisphere %q for country %s", c.Hemisphere, code)
		}
		c.Code = code
		reg.countries[code] = c
	}
	return reg, nil
}

// Get returns the registry entry for a country code.
func (r *Registry) Get(code string) (Country, bool) {
	c, ok := r.countries[domain.NormalizeCountryCode(code)]
	return c, ok
}

// Population returns the country's population, or 0 when unknown.
func (r *Registry) Population(code string) int64 {
	c, ok := r.Get(code)
	if !ok {
		return 0
	}
	return c.Population
}

// Hemisphere returns the country's hemisphere for season alignment.
// Unknown countries default to north, matching the majority of reporting
// countries; the registry should still list every scraped country.
func (r *Registry) Hemisphere(code string) string {
	c, ok := r.Get(code)
	if !ok || c.Hemisphere == "" {
		return domain.HemisphereNorth
	}
	return c.Hemisphere
}

// Codes returns all registered country codes.
func (r *Registry) Codes() []string {
	out := make([]string, 0, len(r.countries))
	for code := range r.countries {
		out = append(out, code)
	}
	return out
}
