package sink

import (
	"bytes"

	"github.com/mnixry/envoy-webapi-log/internal/exchange"
)

// Format renders ex as a plain text record:
//
//	METHOD URI HTTP VERSION
//
//	request headers
//
//	request body
//
//	response headers
//
//	response body
func Format(ex *exchange.Exchange) []byte {
	var b bytes.Buffer
	req, resp := ex.Request, ex.Response

	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.URI)
	b.WriteString(" HTTP ")
	b.WriteString(req.Protocol)
	b.WriteString("\n\n")

	b.WriteString(req.Headers.String())
	b.WriteByte('\n')
	b.Write(req.Body)
	b.WriteString("\n\n")

	b.WriteString(resp.Headers.String())
	b.WriteByte('\n')
	b.Write(resp.Body)
	b.WriteByte('\n')
	return b.Bytes()
}
