package config

// ConfigBackend abstracts where non-secret settings live between runs.
// macOS keeps them in UserDefaults; every other platform uses a flat JSON
// file under the XDG config directory.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
