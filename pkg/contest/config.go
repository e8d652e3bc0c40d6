// Package contest handles the contest configuration document submitted when
// a session is created.
package contest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidConfig is returned when a configuration does not satisfy ConfigSchema.
var ErrInvalidConfig = errors.New("invalid contest configuration")

var schemaLoader = gojsonschema.NewStringLoader(ConfigSchema)

// Config is a contest configuration. It is kept as a generic document so
// fields unknown to the service survive the round trip. Numbers are held as
// json.Number and written back exactly as submitted.
type Config map[string]interface{}

// Parse decodes and validates a configuration.
func Parse(data []byte) (Config, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after configuration", ErrInvalidConfig)
	}
	return cfg, nil
}

// Bind points the first CVR source at the data file named name, which is
// resolved relative to the configuration file by the engine.
func (c Config) Bind(name string) error {
	sources, ok := c["cvrFileSources"].([]interface{})
	if !ok || len(sources) == 0 {
		return fmt.Errorf("%w: missing cvrFileSources", ErrInvalidConfig)
	}
	first, ok := sources[0].(map[string]interface{})
	if !ok {
		return fmt.Errorf("%w: cvrFileSources[0] is not an object", ErrInvalidConfig)
	}
	first["filePath"] = name
	return nil
}

// FilePath returns the path of the first CVR source, or "" if unset.
func (c Config) FilePath() string {
	sources, _ := c["cvrFileSources"].([]interface{})
	if len(sources) == 0 {
		return ""
	}
	first, _ := sources[0].(map[string]interface{})
	path, _ := first["filePath"].(string)
	return path
}

// Save writes the configuration to path as indented JSON, atomically.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal contest configuration: %w", err)
	}
	return AtomicWriteFile(path, data, 0600)
}

// AtomicWriteFile writes data to a temporary file in the target directory,
// syncs it and renames it over filename.
func AtomicWriteFile(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, ".tmp-contest-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	success := false
	defer func() {
		if !success {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
