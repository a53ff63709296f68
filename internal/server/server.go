// Package server serves the project's entry document, its compiled assets
// and the reload channel.
package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/eshe-huli/devreload/internal/digest"
)

// ClientPath is where the browser client script is served.
const ClientPath = "/devreload/client.js"

// SocketPath is where browsers open the reload channel.
const SocketPath = "/devreload/ws"

//go:embed assets/client.js
var assets embed.FS

var clientTag = []byte(`<script src="` + ClientPath + `"></script>`)

// Options configures the shell.
type Options struct {
	Index        string
	StylesDir    string
	ScriptsDir   string
	InjectClient bool
	// Socket handles SocketPath; usually a *hub.Hub.
	Socket http.Handler
}

// Server is the static serving shell.
type Server struct {
	opts Options
	mux  *http.ServeMux
}

// New checks that the index document exists and builds the routes.
func New(opts Options) (*Server, error) {
	info, err := os.Stat(opts.Index)
	if err != nil {
		return nil, fmt.Errorf("index document: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("index document %s is a directory", opts.Index)
	}

	s := &Server{opts: opts, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.Handle("GET /styles/", http.StripPrefix("/styles/", http.FileServer(http.Dir(s.opts.StylesDir))))
	s.mux.Handle("GET /scripts/", http.StripPrefix("/scripts/", http.FileServer(http.Dir(s.opts.ScriptsDir))))
	s.mux.HandleFunc("GET "+ClientPath, s.handleClient)
	if s.opts.Socket != nil {
		s.mux.Handle("GET "+SocketPath, s.opts.Socket)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	s.mux.ServeHTTP(w, r)
}

// handleIndex reads the document on every request so edits show up on the
// next reload.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.opts.Index)
	if err != nil {
		log.Printf("[server] read index: %v", err)
		http.Error(w, "index document unavailable", http.StatusInternalServerError)
		return
	}
	if s.opts.InjectClient {
		data = injectClient(data)
	}
	writeTagged(w, r, "text/html; charset=utf-8", data)
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	data, err := assets.ReadFile("assets/client.js")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeTagged(w, r, "application/javascript; charset=utf-8", data)
}

func writeTagged(w http.ResponseWriter, r *http.Request, contentType string, data []byte) {
	etag := digest.ETag(data)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

// injectClient adds the client script before the last </body>, or at the
// end when there is none. Documents that already load it are left alone.
func injectClient(doc []byte) []byte {
	if bytes.Contains(doc, []byte(ClientPath)) {
		return doc
	}
	idx := lastIndexFold(doc, "</body>")
	if idx < 0 {
		return append(append(doc[:len(doc):len(doc)], '\n'), clientTag...)
	}
	out := make([]byte, 0, len(doc)+len(clientTag))
	out = append(out, doc[:idx]...)
	out = append(out, clientTag...)
	out = append(out, doc[idx:]...)
	return out
}

// lastIndexFold finds the last ASCII case-insensitive match of the lowercase
// pattern in doc. Other bytes are compared as-is, so offsets stay valid for
// any encoding.
func lastIndexFold(doc []byte, pattern string) int {
	for i := len(doc) - len(pattern); i >= 0; i-- {
		match := true
		for j := 0; j < len(pattern); j++ {
			c := doc[i+j]
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != pattern[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Listen binds addr. A port already in use is reported here, before any
// watching starts.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		return nil
	}
}
