package model

import "fmt"

// ValidateWorkerID checks that a worker ID conforms to the allowed format.
// Worker IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, colons, and @ signs.
func ValidateWorkerID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("worker id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("worker id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !isIdentChar(c) && c != ':' && c != '@' {
			return fmt.Errorf("worker id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidatePluginName checks that a plugin name conforms to the allowed format.
// Plugin names must start with a letter and contain only ASCII letters,
// digits, dots, hyphens, and underscores (at most 128 characters).
func ValidatePluginName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("plugin name is required")
	}
	if len(name) > 128 {
		return fmt.Errorf("plugin name must be at most 128 characters")
	}
	if c := name[0]; (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
		return fmt.Errorf("plugin name must start with a letter, got %q", c)
	}
	for i := 1; i < len(name); i++ {
		if !isIdentChar(name[i]) {
			return fmt.Errorf("plugin name contains invalid character at position %d: %q", i, name[i])
		}
	}
	return nil
}

func isIdentChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
		c == '.' || c == '-' || c == '_'
}
