package distribution

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/refract/internal/certs"
)

const (
	testMaster = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,CODECS="avc1.64001f,mp4a.40.2",RESOLUTION=1280x720
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2400000,CODECS="avc1.64001f,mp4a.40.2",RESOLUTION=1920x1080
high/index.m3u8
`
	testMedia = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:6.0,
seg0.ts
#EXTINF:4.0,
seg1.ts
#EXT-X-ENDLIST
`
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("master.m3u8", testMaster)
	write("low/index.m3u8", testMedia)
	write("low/seg0.ts", "\x47segment")
	write("broken.m3u8", "not a playlist")

	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	srv, err := NewServer(ServerConfig{Addr: ":0", Dir: dir, Cert: cert}, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, dir
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		cfg  ServerConfig
	}{
		{"no cert", ServerConfig{Addr: ":0", Dir: dir}},
		{"no addr", ServerConfig{Dir: dir, Cert: cert}},
		{"missing dir", ServerConfig{Addr: ":0", Dir: filepath.Join(dir, "nope"), Cert: cert}},
		{"not a dir", ServerConfig{Addr: ":0", Dir: file, Cert: cert}},
	}
	for _, tt := range tests {
		if _, err := NewServer(tt.cfg, nil); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestServePlaylist(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/low/index.m3u8", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", origin)
	}
	if body, _ := io.ReadAll(rec.Body); string(body) != testMedia {
		t.Errorf("body = %q", body)
	}
}

func TestServeSegmentRange(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/low/seg0.ts", nil)
	req.Header.Set("Range", "bytes=1-3")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPartialContent)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("Cache-Control") != "" {
		t.Error("segments should be cacheable")
	}
	if body := rec.Body.String(); body != "seg" {
		t.Errorf("body = %q", body)
	}
}

func TestPreflight(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/low/seg0.ts", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if h := rec.Header().Get("Access-Control-Allow-Headers"); h != "Range" {
		t.Errorf("Access-Control-Allow-Headers = %q", h)
	}
}

func TestHandleCertHash(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/cert-hash", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp certHashResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hash != srv.config.Cert.FingerprintHex() {
		t.Errorf("hash = %q", resp.Hash)
	}
	if _, err := certs.ParseFingerprint(resp.Hash); err != nil {
		t.Errorf("hash does not parse: %v", err)
	}
}

func TestHandleListStreams(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/streams", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var streams []StreamInfo
	if err := json.NewDecoder(rec.Body).Decode(&streams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	byPath := make(map[string]StreamInfo)
	for _, s := range streams {
		byPath[s.Path] = s
	}
	if len(byPath) != 3 {
		t.Fatalf("got %d streams, want 3: %+v", len(byPath), streams)
	}

	if m := byPath["/master.m3u8"]; !m.Master || m.Variants != 2 || m.Error != "" {
		t.Errorf("master = %+v", m)
	}
	media := byPath["/low/index.m3u8"]
	if media.Master || media.Live || media.Fragments != 2 || media.TargetDuration != 6 || media.Duration != 10 {
		t.Errorf("media = %+v", media)
	}
	if b := byPath["/broken.m3u8"]; b.Error == "" {
		t.Errorf("broken playlist listed without error: %+v", b)
	}
}
