// Package typeinfo loads struct type metadata from a kernel binary's DWARF
// debug info and exposes it as an immutable, size-filtered catalog.
package typeinfo

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	kerrors "github.com/zolutal/kheap-sift/internal/errors"
)

// StructType describes one named struct decoded from DWARF.
type StructType struct {
	Name string
	// Size is the compiled byte size of the struct.
	Size int64
	// Layout is the verbose pahole-style rendering of the struct, indented
	// one level for report embedding.
	Layout string
}

// Catalog maps struct names to their DWARF metadata. It is built once by Load
// and never mutated afterward; all workers share a single instance.
type Catalog struct {
	mu     sync.RWMutex
	types  map[string]StructType
	logger zerolog.Logger
}

// Load opens the ELF binary at path, decodes its DWARF type entries and
// returns a catalog containing every named, complete struct type whose byte
// size sz satisfies lower < sz <= upper (exclusive lower, inclusive upper).
//
// The first definition wins when the same struct name appears in multiple
// compilation units.
func Load(path string, lower, upper int64, logger zerolog.Logger) (*Catalog, error) {
	logger = logger.With().Str("component", "typeinfo").Logger()

	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open binary %s: %w", path, err)
	}
	defer kerrors.DeferClose(logger, f, "failed to close binary")

	data, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("failed to load DWARF data from %s: %w", path, err)
	}

	types := make(map[string]StructType)
	r := data.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to decode DWARF entry: %w", err)
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagStructType {
			continue
		}

		name, ok := entry.Val(dwarf.AttrName).(string)
		if !ok || name == "" {
			continue
		}
		// Forward declarations carry no size or member list.
		if decl, _ := entry.Val(dwarf.AttrDeclaration).(bool); decl {
			continue
		}
		size, ok := entry.Val(dwarf.AttrByteSize).(int64)
		if !ok {
			continue
		}
		if !inBounds(size, lower, upper) {
			continue
		}
		if _, dup := types[name]; dup {
			continue
		}

		typ, err := data.Type(entry.Offset)
		if err != nil {
			logger.Debug().Err(err).Str("struct", name).Msg("Failed to resolve struct type, skipping")
			continue
		}
		st, ok := typ.(*dwarf.StructType)
		if !ok || st.Incomplete {
			continue
		}

		types[name] = StructType{
			Name:   name,
			Size:   size,
			Layout: renderLayout(st),
		}
	}

	logger.Info().
		Int("struct_count", len(types)).
		Int64("lower_bound", lower).
		Int64("upper_bound", upper).
		Str("binary", path).
		Msg("Type catalog loaded")

	return &Catalog{types: types, logger: logger}, nil
}

// NewCatalog builds a catalog from already-decoded struct types. No size
// filtering is applied; Load is the path that enforces the bound.
func NewCatalog(types []StructType, logger zerolog.Logger) *Catalog {
	m := make(map[string]StructType, len(types))
	for _, st := range types {
		if _, dup := m[st.Name]; dup {
			continue
		}
		m[st.Name] = st
	}
	return &Catalog{types: m, logger: logger.With().Str("component", "typeinfo").Logger()}
}

// inBounds reports whether a struct byte size falls within the configured
// bound. The convention is exclusive lower, inclusive upper: (lower, upper].
func inBounds(size, lower, upper int64) bool {
	return lower < size && size <= upper
}

// Lookup returns the struct type for name, if present.
func (c *Catalog) Lookup(name string) (StructType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.types[name]
	return st, ok
}

// Len returns the number of struct types in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types)
}

// Names returns all struct names in the catalog, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
