// Package aso asserts the alignment, size, and field offsets of
// hardware-facing structures against their specified constants.
//
// Structures handed to or compared against enclave hardware must keep a
// byte-exact shape. A field reorder or an accidental padding change would
// not show up in functional tests, so each structure declares its expected
// layout once and the harness checks it with one discrete test per
// category: align, size, and offsets.
package aso

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Field names a struct field and the byte offset it must occupy.
type Field struct {
	Name   string
	Offset uintptr
}

// Check declares the expected layout of one structure. Value is a zero
// value of the type under test. Fields may be empty for types without
// addressable fields (e.g. plain integer types).
type Check struct {
	Value  any
	Align  uintptr
	Size   uintptr
	Fields []Field
}

// Verify runs one subtest per layout category over all given checks.
// A mismatch is a hard test failure.
func Verify(t *testing.T, checks ...Check) {
	t.Helper()

	t.Run("align", func(t *testing.T) {
		for _, c := range checks {
			typ := reflect.TypeOf(c.Value)
			assert.Equal(t, c.Align, uintptr(typ.Align()), "align: %s", typ)
		}
	})

	t.Run("size", func(t *testing.T) {
		for _, c := range checks {
			typ := reflect.TypeOf(c.Value)
			assert.Equal(t, c.Size, typ.Size(), "size: %s", typ)
		}
	})

	t.Run("offsets", func(t *testing.T) {
		for _, c := range checks {
			typ := reflect.TypeOf(c.Value)
			for _, f := range c.Fields {
				field, ok := typ.FieldByName(f.Name)
				require.True(t, ok, "offset: %s has no field %q", typ, f.Name)
				assert.Equal(t, f.Offset, field.Offset, "offset: %s.%s", typ, f.Name)
			}
		}
	})
}
