package curl

import (
	"bytes"
	"mime/multipart"
	"strings"
	"testing"
	"time"

	"github.com/mnixry/envoy-webapi-log/internal/exchange"
	"github.com/mnixry/envoy-webapi-log/internal/headers"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartBody(t *testing.T, fields [][2]string, file bool) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.SetBoundary("--------------------------123456789"))
	for _, f := range fields {
		require.NoError(t, w.WriteField(f[0], f[1]))
	}
	if file {
		fw, err := w.CreateFormFile("upload", "a.txt")
		require.NoError(t, err)
		_, err = fw.Write([]byte("file content"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return w.FormDataContentType(), buf.Bytes()
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "get without body",
			req: Request{
				Method:     "GET",
				Host:       "shop.test",
				Port:       80,
				RequestURI: "/rest/V1/orders?id=5",
				Headers:    headers.Fields{{Name: "Accept", Value: "application/json"}},
			},
			want: `curl --insecure -X GET "shop.test/rest/V1/orders?id=5" -H 'Accept: application/json' -H 'User-Agent: ` + UserAgent + `'`,
		},
		{
			name: "non default port",
			req:  Request{Method: "GET", Host: "shop.test", Port: 8443, RequestURI: "/V1/x"},
			want: `curl --insecure -X GET "shop.test:8443/V1/x" -H 'User-Agent: ` + UserAgent + `'`,
		},
		{
			name: "port taken from host",
			req:  Request{Method: "GET", Host: "shop.test:8080", RequestURI: "/V1/x"},
			want: `curl --insecure -X GET "shop.test:8080/V1/x" -H 'User-Agent: ` + UserAgent + `'`,
		},
		{
			name: "ipv6 host with port",
			req:  Request{Method: "GET", Host: "::1", Port: 8080, RequestURI: "/V1/x"},
			want: `curl --insecure -X GET "[::1]:8080/V1/x" -H 'User-Agent: ` + UserAgent + `'`,
		},
		{
			name: "ipv6 host on default port",
			req:  Request{Method: "GET", Host: "[2001:db8::1]", Port: 80, RequestURI: "/V1/x"},
			want: `curl --insecure -X GET "[2001:db8::1]/V1/x" -H 'User-Agent: ` + UserAgent + `'`,
		},
		{
			name: "ipv6 port taken from host",
			req:  Request{Method: "GET", Host: "[::1]:8443", RequestURI: "/V1/x"},
			want: `curl --insecure -X GET "[::1]:8443/V1/x" -H 'User-Agent: ` + UserAgent + `'`,
		},
		{
			name: "json body escaped",
			req: Request{
				Method:     "POST",
				Host:       "shop.test",
				RequestURI: "/V1/orders",
				Headers: headers.Fields{
					{Name: "Content-Type", Value: "application/json"},
					{Name: "Content-Length", Value: "18"},
					{Name: "User-Agent", Value: "Postman"},
				},
				Body: []byte(`{"note":"it's ok"}`),
			},
			want: `curl --insecure -X POST "shop.test/V1/orders" -H 'Content-Type: application/json' -H 'User-Agent: ` + UserAgent + `' --data '{"note":"it'\''s ok"}'`,
		},
		{
			name: "url encoded uses percent twenty",
			req: Request{
				Method:     "PUT",
				Host:       "shop.test",
				RequestURI: "/V1/form",
				Headers:    headers.Fields{{Name: "content-type", Value: "application/x-www-form-urlencoded"}},
				Body:       []byte("a=1&b=x+y"),
			},
			want: `curl --insecure -X PUT "shop.test/V1/form" -H 'content-type: application/x-www-form-urlencoded' -H 'User-Agent: ` + UserAgent + `' --data 'a=1&b=x%20y'`,
		},
		{
			name: "options never carries a body",
			req: Request{
				Method:     "OPTIONS",
				Host:       "shop.test",
				RequestURI: "/V1/x",
				Body:       []byte("ignored"),
			},
			want: `curl --insecure -X OPTIONS "shop.test/V1/x" -H 'User-Agent: ` + UserAgent + `'`,
		},
		{
			name: "delete with empty body",
			req:  Request{Method: "DELETE", Host: "shop.test", RequestURI: "/V1/x/1"},
			want: `curl --insecure -X DELETE "shop.test/V1/x/1" -H 'User-Agent: ` + UserAgent + `'`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Build(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildMultipart(t *testing.T) {
	ct, body := multipartBody(t, [][2]string{
		{"name", "O'Brien"},
		{"tags[]", "a"},
		{"tags[]", "b"},
		{"opts[color]", "red"},
	}, true)

	got, err := Build(Request{
		Method:     "POST",
		Host:       "shop.test",
		RequestURI: "/V1/upload",
		Headers:    headers.Fields{{Name: "Content-Type", Value: ct}},
		Body:       body,
	})
	require.NoError(t, err)
	assert.Equal(t,
		`curl --insecure -X POST "shop.test/V1/upload"`+
			` -H 'Content-Type: multipart/form-data'`+
			` -H 'User-Agent: `+UserAgent+`'`+
			` --form 'name=O'\''Brien' --form 'tags[0]=a' --form 'tags[1]=b' --form 'opts[color]=red'`,
		got)
}

func TestBuildMultipartEscapesKeys(t *testing.T) {
	ct, body := multipartBody(t, [][2]string{{"it's", "x"}}, false)
	got, err := Build(Request{
		Method:     "POST",
		Host:       "shop.test",
		RequestURI: "/V1/upload",
		Headers:    headers.Fields{{Name: "Content-Type", Value: ct}},
		Body:       body,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, ` --form 'it'\''s=x'`), got)
}

func TestBuildMultipartRejectsNestedFields(t *testing.T) {
	ct, body := multipartBody(t, [][2]string{{"a[b][c]", "v"}}, false)

	_, err := Build(Request{
		Method:  "POST",
		Host:    "shop.test",
		Headers: headers.Fields{{Name: "Content-Type", Value: ct}},
		Body:    body,
	})
	require.Error(t, err)
	oe, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, CodeUnsupportedNestedField, oe.Code())
}

func TestBuildMultipartMalformed(t *testing.T) {
	_, err := Build(Request{
		Method:  "POST",
		Host:    "shop.test",
		Headers: headers.Fields{{Name: "Content-Type", Value: "multipart/form-data"}},
		Body:    []byte("garbage"),
	})
	require.Error(t, err)
	oe, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, CodeMalformedMultipart, oe.Code())
}

func TestBuildMultipartOnlyFiles(t *testing.T) {
	ct, body := multipartBody(t, nil, true)
	got, err := Build(Request{
		Method:  "POST",
		Host:    "shop.test",
		Headers: headers.Fields{{Name: "Content-Type", Value: ct}},
		Body:    body,
	})
	require.NoError(t, err)
	assert.NotContains(t, got, "--form")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ContentUnknown, Classify(nil))
	assert.Equal(t, ContentFormData, Classify(headers.Fields{{Name: "CONTENT-TYPE", Value: "Multipart/Form-Data; boundary=x"}}))
	assert.Equal(t, ContentFormURLEncoded, Classify(headers.Fields{{Name: "Content-Type", Value: "application/x-www-form-urlencoded"}}))
	assert.Equal(t, ContentUnknown, Classify(headers.Fields{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Content-Type", Value: "multipart/form-data"},
	}))
}

func TestWorkingHeaders(t *testing.T) {
	in := headers.Fields{
		{Name: "Content-Type", Value: "multipart/form-data; boundary=--------------------------987654"},
		{Name: "content-length", Value: "42"},
		{Name: "user-agent", Value: "PostmanRuntime"},
		{Name: "X-Trace", Value: "1"},
	}
	out := workingHeaders(in)
	assert.Equal(t, headers.Fields{
		{Name: "Content-Type", Value: "multipart/form-data"},
		{Name: "X-Trace", Value: "1"},
		{Name: "User-Agent", Value: UserAgent},
	}, out)
	assert.Equal(t, "42", in.Value("content-length"))
}

func TestFromExchange(t *testing.T) {
	r := FromExchange(exchange.Request{
		Method:  "GET",
		URI:     "/rest/V1/x",
		Headers: headers.Fields{{Name: "Host", Value: "shop.test:8080"}},
	})
	assert.Equal(t, "shop.test:8080", r.Host)
	assert.Equal(t, "/rest/V1/x", r.RequestURI)
	assert.Equal(t, "shop.test:8080/rest/V1/x", target(r.Host, r.Port, r.RequestURI))
}

func TestFromExchangeDropsUnavailableBodies(t *testing.T) {
	ct, _ := multipartBody(t, [][2]string{{"a", "1"}}, false)
	tests := []struct {
		name string
		req  exchange.Request
	}{
		{
			name: "auth sentinel",
			req: exchange.Request{
				Method:          "POST",
				Headers:         headers.Fields{{Name: "Content-Type", Value: "application/json"}},
				Body:            []byte(exchange.RequestAuthSentinel),
				IsAuth:          true,
				BodyUnavailable: true,
			},
		},
		{
			name: "oversized urlencoded",
			req: exchange.Request{
				Method:          "PUT",
				Headers:         headers.Fields{{Name: "Content-Type", Value: "application/x-www-form-urlencoded"}},
				Body:            exchange.OversizedBody(10),
				BodyUnavailable: true,
			},
		},
		{
			name: "oversized multipart",
			req: exchange.Request{
				Method:          "POST",
				Headers:         headers.Fields{{Name: "Content-Type", Value: ct}},
				Body:            exchange.OversizedBody(10),
				BodyUnavailable: true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Host = "shop.test"
			tt.req.URI = "/rest/V1/x"
			got, err := Build(FromExchange(tt.req))
			require.NoError(t, err)
			assert.NotContains(t, got, "--data")
			assert.NotContains(t, got, "--form")
			assert.NotContains(t, got, "not available")
		})
	}
}

func TestEntry(t *testing.T) {
	ts := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "# 2026-10-14T09:30:00Z\ncurl x\n\n", Entry(ts, "curl x"))
}

func TestEncodeRFC3986(t *testing.T) {
	tests := map[string]string{
		"a=1&b=x+y":          "a=1&b=x%20y",
		"q=caf%C3%A9&z=~-._": "q=caf%C3%A9&z=~-._",
		"a=1&a=2":            "a=2",
		"list[]=x&list[]=y":  "list%5B0%5D=x&list%5B1%5D=y",
		"m[a][b]=1":          "m%5Ba%5D%5Bb%5D=1",
		"&&flag&=skip":       "flag=",
	}
	for in, want := range tests {
		assert.Equal(t, want, encodeRFC3986(parseURLEncoded(in)), in)
	}
}
