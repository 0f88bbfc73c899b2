package config

// ConfigBackend is persistent storage for settings keyed by the dotted
// names in specs. Values are kept as their native types (string, number,
// bool); keySpec.decode turns whatever a backend returns into the key's
// type.
type ConfigBackend interface {
	Lookup(key string) (raw any, ok bool)
	Store(key string, val any) error
	Delete(key string) error
}
