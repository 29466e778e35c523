package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	maxFileBytes = 1 << 20
	maxNesting   = 64
	maxEnvBytes  = 8 << 10
)

var layerExtensions = []string{".json", ".yaml", ".yml"}

// readLayerFile reads a JSON or YAML layer, refusing anything that is not a
// regular file or is larger than maxFileBytes.
func readLayerFile(path string) ([]byte, error) {
	if strings.ContainsRune(path, 0) {
		return nil, fmt.Errorf("config path contains a NUL byte")
	}
	if ext := strings.ToLower(filepath.Ext(path)); !slices.Contains(layerExtensions, ext) {
		return nil, fmt.Errorf("config file %s: extension %q is not one of %v", path, ext, layerExtensions)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config file %s is not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxFileBytes)
	}
	return data, nil
}

// checkEnvValue rejects override values no config field could hold.
func checkEnvValue(key, value string) error {
	switch {
	case len(value) > maxEnvBytes:
		return fmt.Errorf("%s is %d bytes, limit %d", key, len(value), maxEnvBytes)
	case strings.ContainsRune(value, 0):
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}

// checkNesting walks JSON brackets outside strings and fails on mismatched
// pairs or nesting deeper than maxNesting, before the document is decoded.
func checkNesting(data []byte) error {
	var open []byte
	inString, escaped := false, false

	for i, b := range data {
		switch {
		case escaped:
			escaped = false
		case inString:
			switch b {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
		case b == '"':
			inString = true
		case b == '{' || b == '[':
			if len(open) == maxNesting {
				return fmt.Errorf("nesting deeper than %d at byte %d", maxNesting, i)
			}
			open = append(open, b)
		case b == '}' || b == ']':
			want := byte('{')
			if b == ']' {
				want = '['
			}
			if len(open) == 0 || open[len(open)-1] != want {
				return fmt.Errorf("unbalanced %q at byte %d", b, i)
			}
			open = open[:len(open)-1]
		}
	}

	if len(open) > 0 {
		return fmt.Errorf("%d unclosed brackets", len(open))
	}
	return nil
}
