package session

import (
	"path/filepath"
)

// ConfigFileExt is the extension of the per-session configuration file.
const ConfigFileExt = ".json"

// Layout maps session IDs to paths under a root directory:
//
//	<root>/<id>/          session directory
//	<root>/<id>/<id>.json configuration
//	<root>/<id>/<id>      uploaded data
type Layout struct {
	Root string
}

// Dir returns the session directory.
func (l Layout) Dir(id string) string {
	return filepath.Join(l.Root, id)
}

// ConfigPath returns the configuration file path.
func (l Layout) ConfigPath(id string) string {
	return filepath.Join(l.Dir(id), id+ConfigFileExt)
}

// DataPath returns the data file that accumulates uploaded chunks.
func (l Layout) DataPath(id string) string {
	return filepath.Join(l.Dir(id), id)
}
