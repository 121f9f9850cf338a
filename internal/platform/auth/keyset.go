package auth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type keysetFile struct {
	ActiveKID string            `yaml:"active_kid"`
	Keys      map[string]string `yaml:"keys"`
}

// LoadHMACKeysetFile reads a keyset from a YAML (or JSON) file of the form
// {active_kid: k2, keys: {k1: secret1, k2: secret2}}.
func LoadHMACKeysetFile(path string) (HMACKeyset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HMACKeyset{}, fmt.Errorf("read jwt keyset file: %w", err)
	}
	var f keysetFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return HMACKeyset{}, fmt.Errorf("decode jwt keyset file: %w", err)
	}
	pairs := ""
	for kid, secret := range f.Keys {
		if pairs != "" {
			pairs += ","
		}
		pairs += kid + ":" + secret
	}
	return ParseHMACKeyset("", pairs, f.ActiveKID)
}
