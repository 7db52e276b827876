// Package distribution is the local HLS origin behind `refract serve`: a
// directory of playlists and segments served over HTTP/3, with an HTTPS
// fallback on TCP that advertises HTTP/3 through Alt-Svc.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/refract/internal/certs"
	"github.com/zsiec/refract/internal/playlist"
)

// shutdownTimeout bounds the graceful stop of the TCP listener.
const shutdownTimeout = 5 * time.Second

// contentTypes maps HLS file extensions to their media types.
var contentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".m3u":  "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".aac":  "audio/aac",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
	".key":  "application/octet-stream",
}

// StreamInfo summarizes one playlist found under the served directory,
// returned by GET /api/streams.
type StreamInfo struct {
	Path           string  `json:"path"`
	Master         bool    `json:"master"`
	Variants       int     `json:"variants"`
	Live           bool    `json:"live,omitempty"`
	Fragments      int     `json:"fragments,omitempty"`
	TargetDuration float64 `json:"targetDuration,omitempty"`
	Duration       float64 `json:"duration,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// ServerConfig holds the listen address, served directory and certificate.
type ServerConfig struct {
	Addr string
	Dir  string
	Cert *certs.CertInfo
}

// Server serves a directory of HLS content.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
}

// NewServer creates a Server. It returns an error if required fields are
// missing or Dir is not a directory. If log is nil, slog.Default() is used.
func NewServer(config ServerConfig, log *slog.Logger) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	st, err := os.Stat(config.Dir)
	if err != nil {
		return nil, fmt.Errorf("distribution: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("distribution: %s is not a directory", config.Dir)
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		config: config,
		log:    log.With("component", "origin"),
	}
	s.h3 = &http3.Server{
		Addr:      config.Addr,
		TLSConfig: http3.ConfigureTLSConfig(config.Cert.ServerConfig()),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
			Allow0RTT:      true,
		},
	}
	s.h3.Handler = s.Handler()
	return s, nil
}

// Handler returns the origin's routes: the REST API under /api and the
// directory itself.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.Handle("/", s.fileHandler())
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Range")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fileHandler serves the directory with HLS media types. Playlists may be
// rewritten by a live packager and are never cached.
func (s *Server) fileHandler() http.Handler {
	files := http.FileServer(http.Dir(s.config.Dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ext := strings.ToLower(path.Ext(r.URL.Path))
		if ct, ok := contentTypes[ext]; ok {
			w.Header().Set("Content-Type", ct)
		}
		if ext == ".m3u8" || ext == ".m3u" {
			w.Header().Set("Cache-Control", "no-cache")
		}
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "proto", r.Proto, "range", r.Header.Get("Range"))
		files.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintHex(),
		Addr: s.config.Addr,
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	streams, err := s.Streams()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, streams)
}

// Streams walks the served directory and parses every playlist in it.
// Playlists that fail to parse are listed with their error.
func (s *Server) Streams() ([]StreamInfo, error) {
	streams := []StreamInfo{}
	err := filepath.WalkDir(s.config.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.ToLower(filepath.Ext(p)) != ".m3u8" {
			return nil
		}
		rel, err := filepath.Rel(s.config.Dir, p)
		if err != nil {
			return err
		}
		streams = append(streams, describe(p, filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("distribution: walk %s: %w", s.config.Dir, err)
	}
	return streams, nil
}

func describe(file, rel string) StreamInfo {
	info := StreamInfo{Path: "/" + rel}
	data, err := os.ReadFile(file)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	levels, _, err := playlist.Parse(data, "https://origin/"+rel)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Variants = len(levels)
	if len(levels) == 1 && levels[0].Details != nil {
		d := levels[0].Details
		info.Live = d.Live
		info.Fragments = len(d.Fragments)
		info.TargetDuration = d.TargetDuration
		info.Duration = d.TotalDuration
		return info
	}
	info.Master = true
	return info
}

// Start serves HTTP/3 on the UDP address and HTTPS on the TCP address of
// the same port until ctx is cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	tcp := &http.Server{
		Addr: s.config.Addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("alt-svc", "error", err)
			}
			s.h3.Handler.ServeHTTP(w, r)
		}),
		TLSConfig: s.config.Cert.ServerConfig(),
	}

	s.log.Info("origin listening", "addr", s.config.Addr, "dir", s.config.Dir,
		"fingerprint", s.config.Cert.FingerprintHex())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stop := context.AfterFunc(ctx, func() { s.h3.Close() })
		defer stop()
		err := s.h3.ListenAndServe()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("HTTP/3 server: %w", err)
	})
	g.Go(func() error {
		if err := tcp.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPS server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return tcp.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
