package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrFileNotFound marks an explicitly requested config file that does not
// exist. Callers translate it to exit code 2; every other config failure is
// exit code 1.
var ErrFileNotFound = errors.New("config file not found")

const defaultConfigPath = "config/config.yaml"

// Load builds the settings: defaults, then the YAML file, then environment
// overrides, then one validation pass. path may be empty, in which case
// CONFIG_PATH is consulted and finally config/config.yaml is used if it
// exists. An explicitly named file that is missing is an error; the implicit
// default being missing is not.
func Load(path string) (*Settings, []AliasWarning, error) {
	s := Default()

	resolved, required := resolvePath(path)
	if resolved != "" {
		raw, err := os.ReadFile(resolved)
		switch {
		case err == nil:
			if err := unmarshalStrict(raw, s); err != nil {
				return nil, nil, fmt.Errorf("config file %s: %w", resolved, err)
			}
		case os.IsNotExist(err) && !required:
			// Implicit default path, nothing to read.
		case os.IsNotExist(err):
			return nil, nil, fmt.Errorf("%w: %s", ErrFileNotFound, resolved)
		default:
			return nil, nil, fmt.Errorf("config file %s: %w", resolved, err)
		}
	}

	warnings, err := applyEnv(s, os.Getenv)
	if err != nil {
		return nil, warnings, err
	}

	if err := s.Validate(); err != nil {
		return nil, warnings, err
	}
	return s, warnings, nil
}

// resolvePath picks the config file location. The second return reports
// whether the file must exist.
func resolvePath(path string) (string, bool) {
	if path != "" {
		return path, true
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env, true
	}
	return defaultConfigPath, false
}

func unmarshalStrict(raw []byte, s *Settings) error {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return err
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil // empty file, keep defaults
	}
	if root.Content[0].Kind != yaml.MappingNode {
		return errors.New("YAML root must be a mapping")
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return err
	}
	return nil
}
