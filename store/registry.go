// Package store holds the registry of chunk-store backends
// and the commit procedure that ties chunk reference counts to manifest revisions.
package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
)

// Factory creates a chunk store from a configuration map.
type Factory func(context.Context, map[string]interface{}) (phoenix.ChunkStore, error)

var registry = make(map[string]Factory)

// Register makes a chunk-store backend available under the given key.
// It is meant to be called from the init function of the backend's package.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create creates a chunk store with the factory registered under key.
func Create(ctx context.Context, key string, conf map[string]interface{}) (phoenix.ChunkStore, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// Keys lists the registered backends.
func Keys() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Nested creates the chunk store described by the "nested" entry of conf.
// Wrapper backends use it to build the store they wrap.
func Nested(ctx context.Context, conf map[string]interface{}) (phoenix.ChunkStore, error) {
	nested, ok := conf["nested"].(map[string]interface{})
	if !ok {
		return nil, errors.New(`missing "nested" parameter`)
	}
	nestedType, ok := nested["type"].(string)
	if !ok {
		return nil, errors.New(`"nested" parameter missing "type"`)
	}
	s, err := Create(ctx, nestedType, nested)
	return s, errors.Wrapf(err, "creating nested %s store", nestedType)
}
