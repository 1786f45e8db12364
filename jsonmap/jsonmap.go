// Package jsonmap implements a small schema-driven decoder for
// JSON objects. The caller describes the expected fields with a
// slice of Field values, each pointing to the variable that receives
// the decoded value, and Decode fills those variables in a single
// left-to-right scan of the input.
//
// The accepted input is a constrained subset of JSON:
//
//     - strings have no escape sequences, the content is taken
//       verbatim up to the next double quote;
//     - strings are bounded by the Size of their field;
//     - arrays have a fixed length, given by the Size of their field;
//     - keys that are not part of the schema are skipped without
//       interpreting their value.
//
// Schemas are meant to be built for a single call, typically as a
// literal on the stack of the calling function.
package jsonmap

import (
	"fmt"
)

// Kind is the kind of value expected for a field.
type Kind int

// List of supported kinds and the type of Target they require.
const (
	Int    Kind = iota + 1 // *int
	String                 // *string
	Bool                   // *bool
	Float                  // *float64
	Object                 // no Target, uses Fields
	Array                  // *[]int, *[]string, *[]bool, *[]float64 or no Target for objects
)

var kindNames = [...]string{
	Int:    "int",
	String: "string",
	Bool:   "bool",
	Float:  "float",
	Object: "object",
	Array:  "array",
}

// String returns the name of the kind.
func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Field describes how to decode a single key of a JSON object.
type Field struct {
	// Key is the JSON key of the field. It is compared to the keys in
	// the input with an exact, case-sensitive match. Keys must be unique
	// within a schema.
	Key string

	// Kind is the expected kind of value.
	Kind Kind

	// Target is a pointer to the variable that receives the value. Its
	// type depends on Kind.
	Target interface{}

	// Size is the maximum length in bytes of a String (0 means
	// unbounded), and the exact number of elements of an Array.
	Size int

	// Required indicates that decoding fails if the key is not present.
	Required bool

	// Fields is the schema of an Object.
	Fields []Field

	// Elem describes the elements of an Array. Its Key, Target and
	// Required fields are ignored. Arrays of arrays are not supported.
	Elem *Field

	// Bind returns the schema of the i-th element of an Array of
	// objects, so that each element can be decoded in its own variables.
	Bind func(i int) []Field
}

// Decode decodes the JSON object in data using the schema in fields.
// Values are stored in the Target of the fields as they are decoded,
// so on error some targets may have been set.
//
// The returned error, if any, is a *DecodeError that wraps one of the
// Err* variables of this package.
func Decode(data []byte, fields []Field) error {
	if err := validate(fields, ""); err != nil {
		return err
	}

	d := &decoder{data: data}
	d.skipSpace()
	if d.eof() {
		return d.fail(ErrUnexpectedEnd, "")
	}
	if d.peek() != '{' {
		return d.fail(ErrExpectedObject, "")
	}
	d.pos++

	if err := d.object(fields, ""); err != nil {
		return err
	}

	d.skipSpace()
	if !d.eof() {
		return d.fail(ErrTrailingContent, "")
	}
	return nil
}

// DecodeString is like Decode, but for a string.
func DecodeString(s string, fields []Field) error {
	return Decode([]byte(s), fields)
}

func validate(fields []Field, path string) error {
	keys := make(map[string]bool, len(fields))
	for i := range fields {
		f := &fields[i]
		p := joinKey(path, f.Key)
		if keys[f.Key] {
			return schemaErr(p, "duplicate key")
		}
		keys[f.Key] = true

		if err := validateField(f, p); err != nil {
			return err
		}
	}
	return nil
}

func validateField(f *Field, p string) error {
	switch f.Kind {
	case Int, String, Bool, Float:
		if !isScalarTarget(f.Kind, f.Target) {
			return schemaErr(p, fmt.Sprintf("invalid target %T for %s", f.Target, f.Kind))
		}

	case Object:
		return validate(f.Fields, p)

	case Array:
		if f.Size < 0 {
			return schemaErr(p, "negative array size")
		}
		if f.Elem == nil {
			return schemaErr(p, "missing element schema")
		}
		switch f.Elem.Kind {
		case Int, String, Bool, Float:
			if !isSliceTarget(f.Elem.Kind, f.Target) {
				return schemaErr(p, fmt.Sprintf("invalid target %T for array of %s", f.Target, f.Elem.Kind))
			}
		case Object:
			if f.Bind == nil {
				return schemaErr(p, "missing Bind for array of objects")
			}
		default:
			return schemaErr(p, fmt.Sprintf("unsupported array element kind %s", f.Elem.Kind))
		}

	default:
		return schemaErr(p, fmt.Sprintf("unknown kind %s", f.Kind))
	}
	return nil
}

func isScalarTarget(k Kind, v interface{}) bool {
	var ok bool
	switch k {
	case Int:
		var p *int
		p, ok = v.(*int)
		ok = ok && p != nil
	case String:
		var p *string
		p, ok = v.(*string)
		ok = ok && p != nil
	case Bool:
		var p *bool
		p, ok = v.(*bool)
		ok = ok && p != nil
	case Float:
		var p *float64
		p, ok = v.(*float64)
		ok = ok && p != nil
	}
	return ok
}

func isSliceTarget(k Kind, v interface{}) bool {
	var ok bool
	switch k {
	case Int:
		var p *[]int
		p, ok = v.(*[]int)
		ok = ok && p != nil
	case String:
		var p *[]string
		p, ok = v.(*[]string)
		ok = ok && p != nil
	case Bool:
		var p *[]bool
		p, ok = v.(*[]bool)
		ok = ok && p != nil
	case Float:
		var p *[]float64
		p, ok = v.(*[]float64)
		ok = ok && p != nil
	}
	return ok
}

func joinKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
