package curl

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/samber/oops"
)

// form is a posted field mapping. Top-level names keep their first-seen
// position; a repeated scalar overwrites the earlier value in place.
type form struct {
	fields []*formField
	index  map[string]int
}

type formField struct {
	name    string
	value   string
	subs    []subField
	isArray bool
	nextIdx int
}

type subField struct {
	key   string
	value string
}

func newForm() *form {
	return &form{index: make(map[string]int)}
}

func (f *form) field(name string) *formField {
	if i, ok := f.index[name]; ok {
		return f.fields[i]
	}
	ff := &formField{name: name}
	f.index[name] = len(f.fields)
	f.fields = append(f.fields, ff)
	return ff
}

// add places value under a bracket-syntax name: "k", "k[sub]" or "k[]".
// Names nested deeper than one level are rejected unless allowNested is set,
// in which case everything between the outer brackets is kept as the sub key.
func (f *form) add(name, value string, allowNested bool) error {
	top, sub, hasSub, nested := splitFieldName(name)
	if nested {
		if !allowNested {
			return oops.
				In("curl").
				Code(CodeUnsupportedNestedField).
				With("field", name).
				Errorf("2-dimensional form fields are not supported")
		}
		sub = name[len(top)+1 : len(name)-1]
	}

	ff := f.field(top)
	if !hasSub {
		ff.isArray = false
		ff.subs = nil
		ff.nextIdx = 0
		ff.value = value
		return nil
	}

	ff.isArray = true
	if sub == "" {
		sub = strconv.Itoa(ff.nextIdx)
	}
	if n, err := strconv.Atoi(sub); err == nil && n >= ff.nextIdx {
		ff.nextIdx = n + 1
	}
	for i := range ff.subs {
		if ff.subs[i].key == sub {
			ff.subs[i].value = value
			return nil
		}
	}
	ff.subs = append(ff.subs, subField{key: sub, value: value})
	return nil
}

func (f *form) empty() bool {
	return len(f.fields) == 0
}

// entries flattens the mapping back into name/value pairs.
func (f *form) entries() []subField {
	var out []subField
	for _, ff := range f.fields {
		if !ff.isArray {
			out = append(out, subField{key: ff.name, value: ff.value})
			continue
		}
		for _, s := range ff.subs {
			out = append(out, subField{key: ff.name + "[" + s.key + "]", value: s.value})
		}
	}
	return out
}

// splitFieldName splits "k[sub]" into k and sub. nested is set for names such
// as "k[a][b]". A name without a well-formed bracket group is a plain key.
func splitFieldName(name string) (top, sub string, hasSub, nested bool) {
	open := strings.IndexByte(name, '[')
	if open <= 0 {
		return name, "", false, false
	}
	end := strings.IndexByte(name[open:], ']')
	if end < 0 {
		return name, "", false, false
	}
	end += open
	top = name[:open]
	sub = name[open+1 : end]
	rest := name[end+1:]
	nested = strings.HasPrefix(rest, "[") && strings.HasSuffix(rest, "]")
	return top, sub, true, nested
}

// parseURLEncoded decodes an application/x-www-form-urlencoded body into a
// form. Undecodable pairs are kept verbatim.
func parseURLEncoded(body string) *form {
	f := newForm()
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if dk, err := url.QueryUnescape(k); err == nil {
			k = dk
		}
		if dv, err := url.QueryUnescape(v); err == nil {
			v = dv
		}
		if k == "" {
			continue
		}
		// allowNested never errors
		_ = f.add(k, v, true)
	}
	return f
}

// encodeRFC3986 builds a query string with every byte outside the unreserved
// set percent-encoded, so spaces become %20.
func encodeRFC3986(f *form) string {
	var b strings.Builder
	for i, e := range f.entries() {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(rawURLEncode(e.key))
		b.WriteByte('=')
		b.WriteString(rawURLEncode(e.value))
	}
	return b.String()
}

const upperhex = "0123456789ABCDEF"

func rawURLEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}
