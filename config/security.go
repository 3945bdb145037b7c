package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Limits on what a config layer or an environment override may contain.
const (
	maxLayerSize   = 1 << 20
	maxLayerDepth  = 32
	maxEnvValueLen = 4096
)

var layerExtensions = map[string]bool{".json": true, ".yaml": true, ".yml": true}

// validateConfigPath accepts JSON and YAML files given as absolute paths or as
// relative paths that stay below the working directory.
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("empty config path")
	}
	if !layerExtensions[strings.ToLower(filepath.Ext(path))] {
		return fmt.Errorf("%s: only .json, .yaml and .yml layers are supported", path)
	}
	if filepath.IsAbs(path) {
		return nil
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%s: relative path leaves the working directory", path)
	}
	return nil
}

// readLayer reads one config layer after checking its path, type and size.
func readLayer(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	if info.Size() > maxLayerSize {
		return nil, fmt.Errorf("%s: %d bytes exceeds the %d byte limit", path, info.Size(), maxLayerSize)
	}
	return os.ReadFile(path)
}

// validateJSONDepth rejects malformed documents and documents nested deeper
// than maxLayerDepth.
func validateJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		if delim == '{' || delim == '[' {
			depth++
			if depth > maxLayerDepth {
				return fmt.Errorf("nesting deeper than %d", maxLayerDepth)
			}
		} else {
			depth--
		}
	}
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvValueLen {
		return fmt.Errorf("%s: value longer than %d bytes", key, maxEnvValueLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s: value contains a NUL byte", key)
	}
	return nil
}
