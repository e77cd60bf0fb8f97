package plugin

import "errors"

// Common registry errors.
var (
	// ErrUnknownType is returned when no factory is registered for a
	// configured plugin type.
	ErrUnknownType = errors.New("unknown plugin type")

	// ErrDuplicateName is returned when two instances share a name.
	ErrDuplicateName = errors.New("duplicate plugin name")

	// ErrNilPlugin is returned when a factory produced a nil plugin.
	ErrNilPlugin = errors.New("plugin is nil")

	// ErrNoHooks is returned when a plugin implements no lifecycle hook.
	ErrNoHooks = errors.New("plugin implements no lifecycle hook")
)
