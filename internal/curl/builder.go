// Package curl turns a captured request into a runnable curl command line.
package curl

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mnixry/envoy-webapi-log/internal/exchange"
	"github.com/mnixry/envoy-webapi-log/internal/headers"
	"github.com/samber/oops"
)

const (
	CodeUnsupportedNestedField = "UNSUPPORTED_NESTED_FIELD"
	CodeMalformedMultipart     = "MALFORMED_MULTIPART"
)

// UserAgent replaces whatever agent the original client sent.
const UserAgent = "webapilog-curl/1.0"

const quoteReplacement = `'\''`

var boundarySuffix = regexp.MustCompile(`; boundary=-+\d+$`)

// ContentKind is the body serialization chosen from the content type.
type ContentKind int

const (
	ContentUnknown ContentKind = iota
	ContentFormData
	ContentFormURLEncoded
)

func (k ContentKind) String() string {
	switch k {
	case ContentFormData:
		return "multipart/form-data"
	case ContentFormURLEncoded:
		return "x-www-form-urlencoded"
	default:
		return "unknown"
	}
}

// Request is the input of Build.
type Request struct {
	Method     string
	Host       string
	Port       int
	RequestURI string
	Headers    headers.Fields
	Body       []byte
}

// FromExchange adapts a captured request. The host falls back to the Host
// header when the envelope carries none. A body replaced by a notice
// (authorization endpoints, oversized payloads) is left out.
func FromExchange(r exchange.Request) Request {
	host := r.Host
	if host == "" {
		host = r.Headers.Value("host")
	}
	req := Request{
		Method:     r.Method,
		Host:       host,
		Port:       r.Port,
		RequestURI: r.URI,
		Headers:    r.Headers,
	}
	if !r.BodyUnavailable && !r.IsAuth {
		req.Body = r.Body
	}
	return req
}

// Classify picks the body serialization from the first content-type header.
func Classify(h headers.Fields) ContentKind {
	ct, ok := h.Get("content-type")
	if !ok {
		return ContentUnknown
	}
	lower := strings.ToLower(ct)
	switch {
	case strings.Contains(lower, "multipart/form-data"):
		return ContentFormData
	case strings.Contains(lower, "www-form-urlencoded"):
		return ContentFormURLEncoded
	default:
		return ContentUnknown
	}
}

// Build renders req as
//
//	curl --insecure -X METHOD "host[:port]uri" -H 'k: v'... [body]
func Build(req Request) (string, error) {
	kind := Classify(req.Headers)

	var b strings.Builder
	b.WriteString("curl --insecure -X ")
	b.WriteString(req.Method)
	b.WriteString(` "`)
	b.WriteString(target(req.Host, req.Port, req.RequestURI))
	b.WriteByte('"')

	for _, h := range workingHeaders(req.Headers) {
		b.WriteString(" -H '")
		b.WriteString(escapeQuote(h.Name))
		b.WriteString(": ")
		b.WriteString(escapeQuote(h.Value))
		b.WriteByte('\'')
	}

	body, err := bodyPart(req, kind)
	if err != nil {
		return "", err
	}
	b.WriteString(body)
	return b.String(), nil
}

// Entry frames a command for the reproduction stream.
func Entry(ts time.Time, command string) string {
	return "# " + ts.Format(time.RFC3339) + "\n" + command + "\n\n"
}

func target(host string, port int, uri string) string {
	if h, p, err := net.SplitHostPort(host); err == nil {
		host = h
		if port == 0 {
			port, _ = strconv.Atoi(p)
		}
	} else {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	switch {
	case port != 0 && port != 80:
		host = net.JoinHostPort(host, strconv.Itoa(port))
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}
	return host + uri
}

// workingHeaders applies the unconditional rewrites: boundary suffix removed
// from content types, content-length and user-agent dropped, synthetic agent
// appended.
func workingHeaders(in headers.Fields) headers.Fields {
	out := in.Clone()
	for i := range out {
		if strings.EqualFold(out[i].Name, "content-type") {
			out[i].Value = boundarySuffix.ReplaceAllString(out[i].Value, "")
		}
	}
	out.Del("content-length")
	out.Del("user-agent")
	out.Add("User-Agent", UserAgent)
	return out
}

func bodyPart(req Request, kind ContentKind) (string, error) {
	switch strings.ToUpper(req.Method) {
	case "POST", "PUT", "PATCH", "DELETE":
	default:
		return "", nil
	}
	if len(req.Body) == 0 {
		return "", nil
	}

	switch kind {
	case ContentFormData:
		f, err := parseMultipart(req.Headers.Value("content-type"), req.Body)
		if err != nil {
			return "", err
		}
		if f.empty() {
			return "", nil
		}
		params := make([]string, 0, len(f.fields))
		for _, e := range f.entries() {
			params = append(params, escapeQuote(e.key)+"="+escapeQuote(e.value))
		}
		return " --form '" + strings.Join(params, "' --form '") + "'", nil

	case ContentFormURLEncoded:
		return " --data '" + encodeRFC3986(parseURLEncoded(string(req.Body))) + "'", nil

	default:
		return " --data '" + escapeQuote(string(req.Body)) + "'", nil
	}
}

// parseMultipart reads the non-file fields of a multipart body using the
// boundary of the original content type.
func parseMultipart(contentType string, body []byte) (*form, error) {
	errb := oops.In("curl").Code(CodeMalformedMultipart)

	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, errb.Wrapf(err, "failed to parse content type")
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errb.Errorf("multipart content type has no boundary")
	}

	f := newForm()
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return f, nil
		}
		if err != nil {
			return nil, errb.Wrapf(err, "failed to read multipart body")
		}
		name := part.FormName()
		if name == "" || part.FileName() != "" {
			part.Close()
			continue
		}
		value, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, errb.Wrapf(err, "failed to read multipart field %q", name)
		}
		if err := f.add(name, string(value), false); err != nil {
			return nil, err
		}
	}
}

func escapeQuote(s string) string {
	return strings.ReplaceAll(s, "'", quoteReplacement)
}
