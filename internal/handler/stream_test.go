package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/goleak"

	"animestream-proxy/internal/client"
	"animestream-proxy/internal/config"
	"animestream-proxy/internal/metrics"
	"animestream-proxy/internal/playlist"
	"animestream-proxy/internal/service"
	"animestream-proxy/internal/strategy"
)

const endpoint = "/api/m3u8-streaming-proxy"

type testEnv struct {
	cfg      *config.Config
	upstream *client.UpstreamClient
	metrics  *metrics.Metrics
	stream   *StreamHandler
}

// newTestEnv wires the real client, retry controller and service with delays
// disabled.
func newTestEnv(t *testing.T, publicURL string) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Proxy: config.ProxyConfig{
			PublicURL:  publicURL,
			BasePath:   "/api",
			StreamPath: "/m3u8-streaming-proxy",
		},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  5,
			MaxRedirects:    10,
			IdleConnections: 10,
		},
		Retry: config.RetryConfig{MaxRetries: 4},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	up := client.NewUpstreamClient(cfg, logger, m)
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	ctrl := service.NewController(up, strategy.NewSelector(), service.PolicyFromConfig(cfg), logger, m,
		service.WithSleep(noSleep))
	svc, err := service.NewProxyService(ctrl, cfg, logger, m)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}

	return &testEnv{
		cfg:      cfg,
		upstream: up,
		metrics:  m,
		stream:   NewStreamHandler(svc, logger, m),
	}
}

func (env *testEnv) echo() *echo.Echo {
	e := echo.New()
	RegisterRoutes(e, env.stream, NewHealthHandler(env.cfg, "test"), env.cfg)
	return e
}

func streamPath(target string) string {
	return endpoint + "?url=" + url.QueryEscape(target)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestStreamHandler_Handle_Playlist(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = io.WriteString(w, "#EXTM3U\n#EXTINF:10.0,\nsegment1.ts\n#EXTINF:10.0,\nhttps://cdn.example/abs.ts\n")
	}))
	defer upstream.Close()

	env := newTestEnv(t, "https://proxy.example.com")
	req := httptest.NewRequest(http.MethodGet, streamPath(upstream.URL+"/ep1/index.m3u8"), http.NoBody)
	rec := httptest.NewRecorder()
	env.echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlist.MIMEType {
		t.Errorf("Content-Type = %q, want %q", ct, playlist.MIMEType)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Allow-Origin = %q, want *", v)
	}

	want := "https://proxy.example.com" + streamPath(upstream.URL+"/ep1/segment1.ts")
	body := rec.Body.String()
	if !strings.Contains(body, "\n"+want+"\n") {
		t.Errorf("body missing %q:\n%s", want, body)
	}
	if !strings.Contains(body, "\nhttps://cdn.example/abs.ts\n") {
		t.Errorf("absolute segment was modified:\n%s", body)
	}
}

func TestStreamHandler_Handle_PassthroughRange(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "seg.ts", time.Unix(0, 0), strings.NewReader(strings.Repeat("x", 1000)))
	}))
	defer upstream.Close()

	env := newTestEnv(t, "https://proxy.example.com")
	req := httptest.NewRequest(http.MethodGet, streamPath(upstream.URL+"/seg.ts"), http.NoBody)
	req.Header.Set("Range", "bytes=100-199")
	rec := httptest.NewRecorder()
	env.echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPartialContent)
	}
	if v := rec.Header().Get("Content-Range"); v != "bytes 100-199/1000" {
		t.Errorf("Content-Range = %q, want %q", v, "bytes 100-199/1000")
	}
	if v := rec.Header().Get("Accept-Ranges"); v != "bytes" {
		t.Errorf("Accept-Ranges = %q, want %q", v, "bytes")
	}
	if rec.Body.Len() != 100 {
		t.Errorf("body length = %d, want 100", rec.Body.Len())
	}
	if v := rec.Header().Get("Last-Modified"); v != "" {
		t.Errorf("Last-Modified = %q, want it filtered", v)
	}
}

func TestStreamHandler_Handle_PlaylistWithRange(t *testing.T) {
	const body = "#EXTM3U\n#EXTINF:10,\nseg0.ts\n#EXTINF:10,\nseg1.ts\n#EXT-X-ENDLIST\n"

	var upstreamRange atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamRange.Store(r.Header.Get("Range"))
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		http.ServeContent(w, r, "", time.Unix(0, 0), strings.NewReader(body))
	}))
	defer upstream.Close()

	env := newTestEnv(t, "https://proxy.example.com")
	req := httptest.NewRequest(http.MethodGet, streamPath(upstream.URL+"/ep1/index.m3u8"), http.NoBody)
	req.Header.Set("Range", "bytes=0-20")
	rec := httptest.NewRecorder()
	env.echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v, _ := upstreamRange.Load().(string); v != "" {
		t.Errorf("upstream Range = %q, want none for a playlist", v)
	}
	if v := rec.Header().Get("Content-Range"); v != "" {
		t.Errorf("Content-Range = %q, want none", v)
	}

	got := rec.Body.String()
	want := "https://proxy.example.com" + streamPath(upstream.URL+"/ep1/seg1.ts") + "\n#EXT-X-ENDLIST\n"
	if !strings.HasSuffix(got, want) {
		t.Errorf("body = %q, want the complete rewritten playlist ending in %q", got, want)
	}
	if cl := rec.Header().Get("Content-Length"); cl != fmt.Sprint(len(got)) {
		t.Errorf("Content-Length = %q, want %d", cl, len(got))
	}
}

func TestStreamHandler_Handle_Validation(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	env := newTestEnv(t, "https://proxy.example.com")
	e := env.echo()

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"missing url", endpoint, service.ErrMissingURL.Error()},
		{"relative url", streamPath("/hls/index.m3u8"), service.ErrInvalidURL.Error()},
		{"self via public host", streamPath("https://proxy.example.com/hls/a.m3u8"), service.ErrSelfReferential.Error()},
		{"self via stream path", streamPath(upstream.URL + streamPath("https://cdn.example/a.m3u8")), service.ErrSelfReferential.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if got := decodeError(t, rec); got != tt.wantErr {
				t.Errorf("error = %q, want %q", got, tt.wantErr)
			}
		})
	}

	if got := calls.Load(); got != 0 {
		t.Errorf("upstream calls = %d, want 0", got)
	}
}

func TestStreamHandler_Preflight(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	env := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodOptions, streamPath(upstream.URL+"/a.m3u8"), http.NoBody)
	rec := httptest.NewRecorder()
	env.echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
	if v := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(v, "Range") {
		t.Errorf("Allow-Headers = %q, want Range", v)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("upstream calls = %d, want 0", got)
	}
}

func TestStreamHandler_Preflight_Direct(t *testing.T) {
	env := newTestEnv(t, "")
	e := echo.New()
	req := httptest.NewRequest(http.MethodOptions, endpoint, http.NoBody)
	rec := httptest.NewRecorder()

	if err := env.stream.Preflight(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Preflight() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestStreamHandler_Handle_UpstreamErrors(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/blocked.ts":
			w.WriteHeader(http.StatusForbidden)
		case "/gone.ts":
			w.WriteHeader(http.StatusGone)
		case "/broken.m3u8":
			w.Header().Set("Content-Encoding", "compress")
			_, _ = io.WriteString(w, "#EXTM3U")
		}
	}))
	defer upstream.Close()

	env := newTestEnv(t, "")
	e := env.echo()

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantErr    string
		wantCalls  int32
	}{
		{"blocked every attempt", upstream.URL + "/blocked.ts", http.StatusForbidden, "upstream rejected the request", 5},
		{"mirrored status", upstream.URL + "/gone.ts", http.StatusGone, "upstream returned status 410", 1},
		{"undecodable playlist", upstream.URL + "/broken.m3u8", http.StatusInternalServerError, "failed to process upstream response", 1},
		{"unreachable", "http://127.0.0.1:1/seg.ts", http.StatusBadGateway, "upstream host unreachable", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls.Store(0)
			req := httptest.NewRequest(http.MethodGet, streamPath(tt.target), http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeError(t, rec); got != tt.wantErr {
				t.Errorf("error = %q, want %q", got, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("upstream calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestStreamHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	env := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodGet, streamPath(upstream.URL+"/seg.ts"), http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	env.echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if got := decodeError(t, rec); got != "client disconnected" {
		t.Errorf("error = %q, want %q", got, "client disconnected")
	}
}

func TestStreamHandler_mapError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &StreamHandler{logger: logger}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantErr    string
	}{
		{"timeout", fmt.Errorf("fetch upstream: %w: %w", service.ErrTimeout, errors.New("i/o timeout")), http.StatusGatewayTimeout, "upstream request timed out"},
		{"deadline", fmt.Errorf("fetch upstream: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "upstream request timed out"},
		{"stream", fmt.Errorf("%w: unexpected EOF", service.ErrStream), http.StatusInternalServerError, "failed to process upstream response"},
		{"status", fmt.Errorf("fetch upstream: %w", &service.UpstreamStatusError{StatusCode: 429}), http.StatusTooManyRequests, "upstream returned status 429"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal proxy error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, endpoint, http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeError(t, rec); got != tt.wantErr {
				t.Errorf("error = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts token in URL",
			err:  `Get "https://cdn.example/hls/seg.ts?token=secret123&id=7": connection refused`,
			want: `Get "https://cdn.example/hls/seg.ts?token=[REDACTED]&id=7": connection refused`,
		},
		{
			name: "redacts several signature params",
			err:  `Get "https://cdn.example/a.m3u8?id=7&Expires=1700000000&Signature=abc": EOF`,
			want: `Get "https://cdn.example/a.m3u8?id=7&Expires=[REDACTED]&Signature=[REDACTED]": EOF`,
		},
		{
			name: "leaves similar names alone",
			err:  `Get "https://cdn.example/a.m3u8?keyframe=1": EOF`,
			want: `Get "https://cdn.example/a.m3u8?keyframe=1": EOF`,
		},
		{
			name: "no URL unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeError(errors.New(tt.err))
			if got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStreamHandler_ClientDisconnect_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	chunk := strings.Repeat("G", 64<<10)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = io.WriteString(w, chunk)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer upstream.Close()

	env := newTestEnv(t, "")
	defer env.upstream.CloseIdleConnections()

	proxy := httptest.NewServer(env.echo())
	defer proxy.Close()

	player := &http.Client{Transport: &http.Transport{}}
	defer player.CloseIdleConnections()

	resp, err := player.Get(proxy.URL + streamPath(upstream.URL+"/live.ts"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	buf := make([]byte, 16<<10)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	// Hang up mid-segment.
	_ = resp.Body.Close()
}
