// Package headers provides an ordered, case-preserving header container.
package headers

import (
	"net/http"
	"slices"
	"strings"
)

// Field is a single header line as received.
type Field struct {
	Name  string
	Value string
}

// Fields keeps headers in arrival order with the names exactly as received.
// Lookups are case-insensitive.
type Fields []Field

// FromHTTP converts an http.Header. Keys are sorted since map order carries no
// arrival information; each value becomes its own field.
func FromHTTP(h http.Header) Fields {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(Fields, 0, len(keys))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, Field{Name: k, Value: v})
		}
	}
	return out
}

// Get returns the value of the first field matching name case-insensitively.
func (f Fields) Get(name string) (string, bool) {
	for _, field := range f {
		if strings.EqualFold(field.Name, name) {
			return field.Value, true
		}
	}
	return "", false
}

// Value is Get without the presence flag.
func (f Fields) Value(name string) string {
	v, _ := f.Get(name)
	return v
}

// Has reports whether a field with the given name exists.
func (f Fields) Has(name string) bool {
	_, ok := f.Get(name)
	return ok
}

// Add appends a field.
func (f *Fields) Add(name, value string) {
	*f = append(*f, Field{Name: name, Value: value})
}

// Set replaces the first matching field in place and drops later duplicates,
// or appends when there is no match.
func (f *Fields) Set(name, value string) {
	idx := slices.IndexFunc(*f, func(field Field) bool {
		return strings.EqualFold(field.Name, name)
	})
	if idx < 0 {
		f.Add(name, value)
		return
	}
	(*f)[idx].Value = value
	head, tail := (*f)[:idx+1], (*f)[idx+1:]
	tail = slices.DeleteFunc(slices.Clone(tail), func(field Field) bool {
		return strings.EqualFold(field.Name, name)
	})
	*f = append(head, tail...)
}

// Del removes every field matching name case-insensitively.
func (f *Fields) Del(name string) {
	*f = slices.DeleteFunc(*f, func(field Field) bool {
		return strings.EqualFold(field.Name, name)
	})
}

// Clone returns an independent copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	return slices.Clone(f)
}

// Len returns the number of fields.
func (f Fields) Len() int { return len(f) }

// String renders the fields as "Name: Value" lines, each terminated by "\n".
func (f Fields) String() string {
	var b strings.Builder
	for _, field := range f {
		b.WriteString(field.Name)
		b.WriteString(": ")
		b.WriteString(field.Value)
		b.WriteByte('\n')
	}
	return b.String()
}

// Map flattens the fields for structured log output. Repeated names are
// joined with ", ".
func (f Fields) Map() map[string]string {
	out := make(map[string]string, len(f))
	for _, field := range f {
		if prev, ok := out[field.Name]; ok {
			out[field.Name] = prev + ", " + field.Value
			continue
		}
		out[field.Name] = field.Value
	}
	return out
}
