package dumpparse

import (
	"bytes"
	"regexp"
)

// valueRe matches the four literal kinds in mysqldump extended-INSERT
// syntax, in left-to-right order: _binary flags, quoted strings with
// backslash escapes, the NULL keyword, and signed numbers including
// scientific notation.
var valueRe = regexp.MustCompile(
	`(?s)_binary\s+'([^']*)'` +
		`|'((?:[^'\\]|\\.)*)'` +
		`|(NULL)` +
		`|(-?[0-9]+(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?)`,
)

// ExtractValues tokenizes the VALUES section of one INSERT line and
// groups every numCols tokens into a row passed to yield. It returns
// the number of rows emitted and the size of a trailing partial group
// (0 when the line divided evenly).
func ExtractValues(data []byte, numCols int, yield func(row []Value) error) (int, int, error) {
	rows := 0
	current := make([]Value, 0, numCols)

	for _, m := range valueRe.FindAllSubmatchIndex(data, -1) {
		switch {
		case m[2] >= 0:
			current = append(current, Value{S: string(data[m[2]:m[3]])})
		case m[4] >= 0:
			current = append(current, Value{S: unescapeMySQL(data[m[4]:m[5]])})
		case m[6] >= 0:
			current = append(current, Value{Null: true})
		case m[8] >= 0:
			current = append(current, Value{S: string(data[m[8]:m[9]])})
		}

		if len(current) == numCols {
			if err := yield(current); err != nil {
				return rows, 0, err
			}
			rows++
			current = make([]Value, 0, numCols)
		}
	}
	return rows, len(current), nil
}

// unescapeMySQL resolves backslash escapes in a quoted dump literal.
// Unknown escapes keep the escaped character and drop the backslash,
// the same as the source dumps' writer expects.
func unescapeMySQL(data []byte) string {
	if !bytes.ContainsRune(data, '\\') {
		return string(data)
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != '\\' || i+1 == len(data) {
			out = append(out, c)
			continue
		}
		i++
		switch data[i] {
		case '\\':
			out = append(out, '\\')
		case '\'':
			out = append(out, '\'')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case '0':
			out = append(out, 0)
		default:
			out = append(out, data[i])
		}
	}
	return string(out)
}
