package fuzzy

import (
	"errors"
	"sort"
	"strings"
)

// ErrUnknownAlgorithm is returned when no similarity hasher is registered
// under the requested name.
var ErrUnknownAlgorithm = errors.New("unknown similarity algorithm")

// Hasher produces locality-sensitive digests whose distance grows with how
// much two inputs differ.
type Hasher interface {
	Name() string
	HashFile(path string) (string, error)
	Distance(a, b string) (int, error)
}

var registry = map[string]Hasher{}

// Register adds a similarity hasher to the registry.
func Register(hasher Hasher) {
	if hasher == nil {
		return
	}
	registry[strings.ToLower(hasher.Name())] = hasher
}

// Lookup returns a registered hasher by name.
func Lookup(name string) (Hasher, error) {
	hasher, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	return hasher, nil
}

// Available returns the names of registered hashers, sorted.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
