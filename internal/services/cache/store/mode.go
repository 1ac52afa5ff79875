package store

import (
	"fmt"
	"strings"
)

// Mode is the retention mode of a cached value.
type Mode int

const (
	// ModeMemory keeps the value in the in-process tier only.
	ModeMemory Mode = iota
	// ModePlaceholder also persists the value; after a restart its presence
	// is informational and callers refetch.
	ModePlaceholder
	// ModeRestore also persists the value and hydrates it on start.
	ModeRestore
)

func (m Mode) String() string {
	switch m {
	case ModeMemory:
		return "memory"
	case ModePlaceholder:
		return "placeholder"
	case ModeRestore:
		return "restore"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Persistent reports whether values in this mode reach the persistent tier.
func (m Mode) Persistent() bool {
	return m == ModePlaceholder || m == ModeRestore
}

// ParseMode parses a mode name. The empty string is ModeMemory.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "memory":
		return ModeMemory, nil
	case "placeholder":
		return ModePlaceholder, nil
	case "restore":
		return ModeRestore, nil
	default:
		return ModeMemory, fmt.Errorf("unknown retention mode %q", value)
	}
}
