package llmproxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// observedPaths are the two generation endpoints whose response bodies are
// tee'd into a session parser; every other path is pure pass-through.
var observedPaths = map[string]bool{
	"/api/generate": true,
	"/api/chat":     true,
}

// Proxy is C6: a transparent reverse proxy that records LLM session
// lifecycle metrics for observed paths without buffering the stream.
type Proxy struct {
	rp    *httputil.ReverseProxy
	store SessionStore
	sink  SessionSink
	log   *zap.Logger
}

// New builds a Proxy forwarding to backendURL. store/sink may be nil in
// configurations where session persistence is not wired (still transparent).
func New(backendURL string, store SessionStore, sink SessionSink, log *zap.Logger) (*Proxy, error) {
	target, err := url.Parse(backendURL)
	if err != nil {
		return nil, err
	}

	p := &Proxy{store: store, sink: sink, log: log}

	rp := httputil.NewSingleHostReverseProxy(target)
	baseDirector := rp.Director
	rp.Director = func(r *http.Request) {
		baseDirector(r)
		stripHopByHopHeaders(r.Header)
	}
	rp.ModifyResponse = p.modifyResponse
	rp.ErrorHandler = p.errorHandler
	p.rp = rp

	return p, nil
}

// ServeHTTP forwards the request byte-identical aside from hop-by-hop
// header stripping (P7 transparency); observed paths get a session tracker
// wrapped around the response body.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	stripHopByHopHeaders(resp.Header)

	if !observedPaths[resp.Request.URL.Path] {
		return nil
	}
	if resp.Body == nil {
		return nil
	}

	tracker := newSessionTracker(p.store, p.sink, p.log)
	resp.Body = &teeReadCloser{
		rc:      resp.Body,
		ctx:     resp.Request.Context(),
		tracker: tracker,
	}
	return nil
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	p.log.Warn("llm proxy: upstream unavailable", zap.Error(err), zap.String("path", r.URL.Path))
	w.WriteHeader(http.StatusBadGateway)
}

// teeReadCloser forwards every Read to the client unmodified while feeding
// the same bytes into the session tracker — parsing never gates or buffers
// forwarding.
type teeReadCloser struct {
	rc      io.ReadCloser
	ctx     context.Context
	tracker *sessionTracker
}

func (t *teeReadCloser) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		t.tracker.Feed(t.ctx, p[:n])
	}
	if err != nil {
		t.tracker.Abort(t.ctx)
	}
	return n, err
}

func (t *teeReadCloser) Close() error {
	t.tracker.Abort(t.ctx)
	return t.rc.Close()
}

// hopByHopHeaders are stripped per RFC 7230 §6.1 before forwarding either
// direction, same as httputil.ReverseProxy's own internal list but kept
// explicit here since the Director override runs after NewSingleHostReverseProxy
// already applied it once — the second pass also covers headers the
// upstream response adds that shouldn't reach the client.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHopByHopHeaders(h http.Header) {
	connection := h.Get("Connection")
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
	if connection != "" {
		for _, name := range strings.Split(connection, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
}
