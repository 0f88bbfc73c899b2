package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "kbchat-data"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "kbchat")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join("kbchat", "config.json")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "kbchat", "config.json")
}

// fileBackend keeps settings in one flat JSON object, e.g.
//
//	{"server.port": 4000, "s3.use_ssl": true, "retrieval.threshold": 0.6}
//
// An unreadable or malformed file is reported once and treated as empty.
type fileBackend struct {
	path   string
	values map[string]any
}

var _ ConfigBackend = (*fileBackend)(nil)

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: map[string]any{}}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		fmt.Fprintf(os.Stderr, "[WARN] config file %s unreadable, using defaults: %v\n", path, err)
	default:
		if err := json.Unmarshal(raw, &b.values); err != nil {
			b.values = map[string]any{}
			fmt.Fprintf(os.Stderr, "[WARN] config file %s is not valid JSON, using defaults: %v\n", path, err)
		}
	}
	return b
}

func (b *fileBackend) Lookup(key string) (any, bool) {
	v, ok := b.values[key]
	return v, ok && v != nil
}

func (b *fileBackend) Store(key string, val any) error {
	b.values[key] = val
	return b.flush()
}

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return b.flush()
}

// flush replaces the file atomically so a crash never leaves it truncated.
func (b *fileBackend) flush() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	out, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(out, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), b.path)
}
