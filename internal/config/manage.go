package config

import (
	"fmt"
	"sort"
)

// KeyInfo is one row of `kbchat config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists the effective non-secret settings of cfg, sorted by key.
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		if s.secret {
			continue
		}
		out = append(out, KeyInfo{Key: s.key, EnvVar: s.env, Value: fmt.Sprint(s.extract(cfg))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SetKey persists key=value to the config file after checking that the
// resulting configuration is still valid.
func SetKey(key, value string) error {
	return setKeyIn(newPlatformBackend(), key, value)
}

// UnsetKey removes key from the config file so its default applies again.
func UnsetKey(key string) error {
	return unsetKeyIn(newPlatformBackend(), key)
}

// ValidKeys returns the keys accepted by SetKey.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

func settableSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key: %q", key)
}

func setKeyIn(b ConfigBackend, key, value string) error {
	s, err := settableSpec(key)
	if err != nil {
		return err
	}
	v, err := s.decode(value)
	if err != nil {
		return err
	}

	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return err
	}
	s.apply(&cfg, v)
	applyEnvOverrides(&cfg)
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = cfg.Ollama.EmbedModel
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("rejecting %s=%s: %w", key, value, err)
	}

	return b.Store(key, v)
}

func unsetKeyIn(b ConfigBackend, key string) error {
	if _, err := settableSpec(key); err != nil {
		return err
	}
	return b.Delete(key)
}
