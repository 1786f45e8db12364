package jsonmap

import (
	"bytes"
	"strconv"
)

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) eof() bool  { return d.pos >= len(d.data) }
func (d *decoder) peek() byte { return d.data[d.pos] }

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

func (d *decoder) skipSpace() {
	for !d.eof() && isSpace(d.peek()) {
		d.pos++
	}
}

func (d *decoder) fail(err error, key string) error {
	return &DecodeError{Err: err, Key: key, Offset: d.pos}
}

func (d *decoder) failf(err error, key, detail string) error {
	return &DecodeError{Err: err, Key: key, Offset: d.pos, Detail: detail}
}

// object decodes the members of an object whose opening brace has
// already been consumed, up to and including the closing brace.
func (d *decoder) object(fields []Field, path string) error {
	seen := make([]bool, len(fields))

	for first := true; ; first = false {
		d.skipSpace()
		if d.eof() {
			return d.fail(ErrUnexpectedEnd, path)
		}
		if d.peek() == '}' {
			d.pos++
			break
		}

		if !first {
			if d.peek() != ',' {
				return d.failf(ErrSyntax, path, "expected ','")
			}
			d.pos++
			d.skipSpace()
			if d.eof() {
				return d.fail(ErrUnexpectedEnd, path)
			}
			if d.peek() == '}' {
				return d.fail(ErrTrailingComma, path)
			}
		}

		key, err := d.key(path)
		if err != nil {
			return err
		}
		d.skipSpace()
		if d.eof() {
			return d.fail(ErrUnexpectedEnd, joinKey(path, key))
		}
		if d.peek() != ':' {
			return d.failf(ErrSyntax, joinKey(path, key), "expected ':'")
		}
		d.pos++

		ix := lookup(fields, key)
		if ix < 0 {
			if err := d.skipValue(joinKey(path, key)); err != nil {
				return err
			}
			continue
		}
		if err := d.value(&fields[ix], joinKey(path, key)); err != nil {
			return err
		}
		seen[ix] = true
	}

	for i := range fields {
		if fields[i].Required && !seen[i] {
			return d.fail(ErrMissingRequiredField, joinKey(path, fields[i].Key))
		}
	}
	return nil
}

func lookup(fields []Field, key string) int {
	for i := range fields {
		if fields[i].Key == key {
			return i
		}
	}
	return -1
}

func (d *decoder) key(path string) (string, error) {
	if d.peek() != '"' {
		return "", d.failf(ErrSyntax, path, "expected property name")
	}
	d.pos++
	start := d.pos
	i := bytes.IndexByte(d.data[start:], '"')
	if i < 0 {
		d.pos = len(d.data)
		return "", d.fail(ErrUnterminatedString, path)
	}
	d.pos += i + 1
	return string(d.data[start : start+i]), nil
}

func (d *decoder) value(f *Field, key string) error {
	d.skipSpace()
	if d.eof() {
		return d.fail(ErrUnexpectedEnd, key)
	}

	switch f.Kind {
	case Int:
		v, err := d.integer(key)
		if err != nil {
			return err
		}
		*f.Target.(*int) = v

	case String:
		v, err := d.str(key, f.Size)
		if err != nil {
			return err
		}
		*f.Target.(*string) = v

	case Bool:
		v, err := d.boolean(key)
		if err != nil {
			return err
		}
		*f.Target.(*bool) = v

	case Float:
		v, err := d.float(key)
		if err != nil {
			return err
		}
		*f.Target.(*float64) = v

	case Object:
		if d.peek() != '{' {
			return d.fail(ErrExpectedObject, key)
		}
		d.pos++
		return d.object(f.Fields, key)

	case Array:
		return d.array(f, key)
	}
	return nil
}

func (d *decoder) integer(key string) (int, error) {
	start := d.pos
	end := start
	if end < len(d.data) && (d.data[end] == '-' || d.data[end] == '+') {
		end++
	}
	digits := end
	for end < len(d.data) && isDigit(d.data[end]) {
		end++
	}
	if end == digits {
		return 0, d.fail(ErrInvalidInteger, key)
	}

	v, err := strconv.Atoi(string(d.data[start:end]))
	if err != nil {
		return 0, d.failf(ErrInvalidInteger, key, "out of range")
	}
	d.pos = end
	return v, nil
}

func (d *decoder) float(key string) (float64, error) {
	start := d.pos
	end := start
	if end < len(d.data) && (d.data[end] == '-' || d.data[end] == '+') {
		end++
	}
	var ndigits int
	for end < len(d.data) && isDigit(d.data[end]) {
		end++
		ndigits++
	}
	if end < len(d.data) && d.data[end] == '.' {
		end++
		for end < len(d.data) && isDigit(d.data[end]) {
			end++
			ndigits++
		}
	}
	if ndigits == 0 {
		return 0, d.fail(ErrInvalidFloat, key)
	}

	// the exponent is only part of the number if it has digits
	if end < len(d.data) && (d.data[end] == 'e' || d.data[end] == 'E') {
		exp := end + 1
		if exp < len(d.data) && (d.data[exp] == '-' || d.data[exp] == '+') {
			exp++
		}
		if exp < len(d.data) && isDigit(d.data[exp]) {
			for exp < len(d.data) && isDigit(d.data[exp]) {
				exp++
			}
			end = exp
		}
	}

	v, err := strconv.ParseFloat(string(d.data[start:end]), 64)
	if err != nil {
		return 0, d.failf(ErrInvalidFloat, key, "out of range")
	}
	d.pos = end
	return v, nil
}

func (d *decoder) str(key string, max int) (string, error) {
	if d.peek() != '"' {
		return "", d.fail(ErrExpectedString, key)
	}
	start := d.pos + 1
	i := bytes.IndexByte(d.data[start:], '"')
	if i < 0 {
		return "", d.fail(ErrUnterminatedString, key)
	}
	if max > 0 && i > max {
		return "", d.failf(ErrStringTooLong, key, strconv.Itoa(i)+" > "+strconv.Itoa(max))
	}
	d.pos = start + i + 1
	return string(d.data[start : start+i]), nil
}

var (
	trueLit  = []byte("true")
	falseLit = []byte("false")
)

func (d *decoder) boolean(key string) (bool, error) {
	rest := d.data[d.pos:]
	switch {
	case bytes.HasPrefix(rest, trueLit):
		d.pos += len(trueLit)
		return true, nil
	case bytes.HasPrefix(rest, falseLit):
		d.pos += len(falseLit)
		return false, nil
	}
	return false, d.fail(ErrInvalidBoolean, key)
}

func (d *decoder) array(f *Field, key string) error {
	if d.peek() != '[' {
		return d.fail(ErrExpectedArray, key)
	}
	d.pos++

	var (
		ints    []int
		strs    []string
		bools   []bool
		floats  []float64
		count   int
		elemKey string
	)
	switch f.Elem.Kind {
	case Int:
		ints = make([]int, 0, f.Size)
	case String:
		strs = make([]string, 0, f.Size)
	case Bool:
		bools = make([]bool, 0, f.Size)
	case Float:
		floats = make([]float64, 0, f.Size)
	}

	for first := true; ; first = false {
		d.skipSpace()
		if d.eof() {
			return d.fail(ErrUnexpectedEnd, key)
		}
		if d.peek() == ']' {
			d.pos++
			break
		}

		if !first {
			if d.peek() != ',' {
				return d.failf(ErrSyntax, key, "expected ','")
			}
			d.pos++
			d.skipSpace()
			if d.eof() {
				return d.fail(ErrUnexpectedEnd, key)
			}
			if d.peek() == ']' {
				return d.fail(ErrTrailingComma, key)
			}
		}

		if count >= f.Size {
			return d.failf(ErrArrayTooLong, key, "expected "+strconv.Itoa(f.Size)+" elements")
		}
		elemKey = key + "[" + strconv.Itoa(count) + "]"

		switch f.Elem.Kind {
		case Int:
			v, err := d.integer(elemKey)
			if err != nil {
				return err
			}
			ints = append(ints, v)

		case String:
			v, err := d.str(elemKey, f.Elem.Size)
			if err != nil {
				return err
			}
			strs = append(strs, v)

		case Bool:
			v, err := d.boolean(elemKey)
			if err != nil {
				return err
			}
			bools = append(bools, v)

		case Float:
			v, err := d.float(elemKey)
			if err != nil {
				return err
			}
			floats = append(floats, v)

		case Object:
			fields := f.Bind(count)
			if err := validate(fields, elemKey); err != nil {
				return err
			}
			if d.peek() != '{' {
				return d.fail(ErrExpectedObject, elemKey)
			}
			d.pos++
			if err := d.object(fields, elemKey); err != nil {
				return err
			}
		}
		count++
	}

	if count < f.Size {
		return d.failf(ErrArrayTooShort, key, "expected "+strconv.Itoa(f.Size)+" elements, got "+strconv.Itoa(count))
	}

	switch f.Elem.Kind {
	case Int:
		*f.Target.(*[]int) = ints
	case String:
		*f.Target.(*[]string) = strs
	case Bool:
		*f.Target.(*[]bool) = bools
	case Float:
		*f.Target.(*[]float64) = floats
	}
	return nil
}

// skipValue skips the value of a key that is not in the schema.
// Nested objects and arrays are skipped by counting the brackets,
// without validating their content.
func (d *decoder) skipValue(key string) error {
	d.skipSpace()
	if d.eof() {
		return d.fail(ErrUnexpectedEnd, key)
	}

	switch d.peek() {
	case '"':
		i := bytes.IndexByte(d.data[d.pos+1:], '"')
		if i < 0 {
			return d.fail(ErrUnterminatedString, key)
		}
		d.pos += i + 2

	case '{', '[':
		depth := 0
		for !d.eof() {
			switch d.peek() {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			case '"':
				i := bytes.IndexByte(d.data[d.pos+1:], '"')
				if i < 0 {
					return d.fail(ErrUnterminatedString, key)
				}
				d.pos += i + 1
			}
			d.pos++
			if depth == 0 {
				return nil
			}
		}
		return d.fail(ErrUnexpectedEnd, key)

	default:
		start := d.pos
		for !d.eof() {
			c := d.peek()
			if c == ',' || c == '}' || c == ']' || isSpace(c) {
				break
			}
			d.pos++
		}
		if d.pos == start {
			return d.failf(ErrSyntax, key, "expected value")
		}
	}
	return nil
}
