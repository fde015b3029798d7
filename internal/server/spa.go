package server

import (
	"bytes"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vidchain/vidchain/internal/httputil"
)

// noncePlaceholder in index.html is replaced with the request's CSP nonce.
const noncePlaceholder = "__CSP_NONCE__"

// spaFileServer serves the built browser UI. Unknown paths fall back to
// index.html so client-side routes survive a reload.
type spaFileServer struct {
	files http.Handler
	fsys  fs.FS
}

func newSPAFileServer(fsys fs.FS) *spaFileServer {
	return &spaFileServer{files: http.FileServer(http.FS(fsys)), fsys: fsys}
}

func (s *spaFileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	if info, err := fs.Stat(s.fsys, name); name == "" || err != nil || info.IsDir() {
		s.serveIndex(w, r)
		return
	}

	// Bundler output under assets/ carries a content hash in its name.
	if strings.HasPrefix(name, "assets/") {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	s.files.ServeHTTP(w, r)
}

func (s *spaFileServer) serveIndex(w http.ResponseWriter, r *http.Request) {
	page, err := fs.ReadFile(s.fsys, "index.html")
	if err != nil {
		slog.Error("spa: read index.html", "error", err)
		http.NotFound(w, r)
		return
	}
	page = bytes.ReplaceAll(page, []byte(noncePlaceholder), []byte(httputil.NonceFromContext(r.Context())))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}
