package vmproxy

import (
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/yutakobayashidev/kids-code-tutorial/pkg/logger"
)

// Server forwards requests under /{sessionCode}/... to the registered
// sandbox endpoint with the code prefix stripped. Protocol-upgrade requests
// (websockets and friends) are forwarded transparently by the reverse
// proxy.
type Server struct {
	table *Table
}

// NewServer creates the proxy handler backed by a route table.
func NewServer(table *Table) *Server {
	return &Server{table: table}
}

// splitSessionPath splits "/CODE/rest" into the session code and the
// downstream path (always beginning with "/").
func splitSessionPath(path string) (code, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	code, rest, found := strings.Cut(trimmed, "/")
	if !found {
		return code, "/"
	}
	return code, "/" + rest
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code, rest := splitSessionPath(r.URL.Path)
	if code == "" {
		http.NotFound(w, r)
		return
	}

	endpoint, ok := s.table.Route(code)
	if !ok {
		http.NotFound(w, r)
		return
	}

	target := endpoint.URL()
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = rest
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warnf("[vmproxy] forward error for %s: %v", code, err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	proxy.ServeHTTP(w, r)
}
