package configstore

// ConfigStore persists a configuration document.
type ConfigStore interface {
	Load(out any) error
	Save(data any) error
}
