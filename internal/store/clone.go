package store

import (
	"reflect"

	"github.com/mitchellh/copystructure"
)

// cloneValue returns a deep copy of v so that a value crossing the store
// boundary shares no map or slice with the stored one.
//
// Maps, slices, arrays and structs whose fields are all exported are copied.
// Anything else, including pointers and structs with unexported fields, is
// returned as is.
func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return v
		}
	case reflect.Array:
	case reflect.Struct:
		if !exportedOnly(rv.Type()) {
			return v
		}
	default:
		return v
	}

	out, err := copystructure.Copy(v)
	if err != nil {
		return v
	}
	return out
}

func exportedOnly(t reflect.Type) bool {
	for i := range t.NumField() {
		if !t.Field(i).IsExported() {
			return false
		}
	}
	return true
}

func cloneEntry(e Entry) Entry {
	e.Value = cloneValue(e.Value)
	return e
}
