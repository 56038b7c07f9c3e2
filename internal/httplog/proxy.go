package httplog

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
)

// NewReverseProxy forwards to upstream, keeping the client's Host header so
// upstream routing and the captured request agree.
func NewReverseProxy(upstream string, log zerolog.Logger) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, oops.In("httplog").Code("INVALID_UPSTREAM").With("upstream", upstream).Wrapf(err, "failed to parse upstream URL")
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, oops.In("httplog").Code("INVALID_UPSTREAM").With("upstream", upstream).Errorf("upstream must be an absolute URL")
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).Str("uri", r.URL.RequestURI()).Msg("upstream request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}, nil
}

// Router serves every path through the capture middleware into handler.
func Router(c Capturer, handler http.Handler, log zerolog.Logger, opts ...Option) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(Middleware(c, log, opts...))
	r.Handle("/*", handler)
	return r
}
