// Package router serves build outputs by proxying requests to object storage.
//
// The project is selected by the leftmost label of the request host, so
// proj123.example.com/assets/app.js is served from <base>/proj123/assets/app.js.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"
)

var ErrInvalidBaseURL = errors.New("invalid base url")

// ProxyError is logged when the storage backend couldn't be reached.
type ProxyError struct {
	ProjectID string
	Path      string
	Err       error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy %s%s: %v", e.ProjectID, e.Path, e.Err)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

// ProjectID returns the leftmost label of host, lowercased and without port.
func ProjectID(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, _ := strings.Cut(host, ".")
	return strings.ToLower(label)
}

// Handler proxies requests to the storage location of the requested project.
type Handler struct {
	base    *url.URL
	index   string
	proxy   *httputil.ReverseProxy
	log     *slog.Logger
	metrics *Metrics
}

// NewHandler returns a Handler for cfg. metrics may be nil.
func NewHandler(cfg *Config, log *slog.Logger, metrics *Metrics) (*Handler, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("router.NewHandler: %w: %w", ErrInvalidBaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("router.NewHandler: %w: %q", ErrInvalidBaseURL, cfg.BaseURL)
	}

	h := &Handler{
		base:    base,
		index:   cfg.indexDocument(),
		log:     log.With("component", "router"),
		metrics: metrics,
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:      h.rewrite,
		ErrorHandler: h.handleError,
		ErrorLog:     slog.NewLogLogger(h.log.Handler(), slog.LevelError),
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &responseRecorder{ResponseWriter: w}
	done := h.metrics.start(r.Method)
	defer func() { done(rec.status) }()

	if ProjectID(r.Host) == "" {
		http.Error(rec, "missing project subdomain", http.StatusBadRequest)
		return
	}

	h.proxy.ServeHTTP(rec, r)
}

// TargetPath returns the storage path that serves requestPath of projectID.
// The request path is cleaned so it can't escape the project prefix.
func (h *Handler) TargetPath(projectID, requestPath string) string {
	p := path.Clean("/" + requestPath)
	if p == "/" {
		p = "/" + h.index
	} else if strings.HasSuffix(requestPath, "/") {
		p += "/"
	}
	return strings.TrimSuffix(h.base.Path, "/") + "/" + projectID + p
}

func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	projectID := ProjectID(pr.In.Host)

	pr.Out.URL.Scheme = h.base.Scheme
	pr.Out.URL.Host = h.base.Host
	pr.Out.URL.Path = h.TargetPath(projectID, pr.In.URL.Path)
	pr.Out.URL.RawPath = ""
	pr.Out.URL.RawQuery = pr.In.URL.RawQuery
	pr.Out.Host = ""
	pr.SetXForwarded()
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("didn't proxy request", "error", &ProxyError{
		ProjectID: ProjectID(r.Host),
		Path:      r.URL.Path,
		Err:       err,
	})
	w.WriteHeader(http.StatusBadGateway)
}
