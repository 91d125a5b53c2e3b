package fileserver

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"syscall"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/yndnr/fwserve-go/internal/telemetry/logger"
)

// DefaultIndex is served for directory requests.
const DefaultIndex = "index.html"

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used for unexpected filesystem errors.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithIndex sets the file served for directory requests.
func WithIndex(name string) Option {
	return func(h *Handler) {
		if name != "" {
			h.index = name
		}
	}
}

// WithFilesystem replaces the OS filesystem, mainly for tests.
func WithFilesystem(fsys billy.Filesystem) Option {
	return func(h *Handler) {
		if fsys != nil {
			h.fs = fsys
		}
	}
}

// Handler serves files below a root directory.
type Handler struct {
	fs     billy.Filesystem
	root   string
	index  string
	logger *slog.Logger
}

// New returns a Handler serving root, which must be an existing directory.
func New(root string, opts ...Option) (*Handler, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("serve root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("serve root %s: not a directory", root)
	}

	h := &Handler{
		fs:     osfs.New(root, osfs.WithBoundOS()),
		root:   root,
		index:  DefaultIndex,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Root returns the served directory.
func (h *Handler) Root() string {
	return h.root
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name, ok := resolve(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	info, err := h.fs.Stat(name)
	if err != nil {
		h.fail(w, r, name, err)
		return
	}

	if info.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			redirectToDir(w, r)
			return
		}
		name = h.fs.Join(name, h.index)
		if info, err = h.fs.Stat(name); err != nil {
			h.fail(w, r, name, err)
			return
		}
	}

	if !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	f, err := h.fs.Open(name)
	if err != nil {
		h.fail(w, r, name, err)
		return
	}
	defer f.Close()

	w.Header().Set("ETag", weakETag(info))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// fail answers 404 for anything that does not resolve to a readable file
// and 500 for other I/O errors.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, name string, err error) {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.ENOTDIR) {
		http.NotFound(w, r)
		return
	}
	logger.FromSlog(h.logger).WithContext(r.Context()).Error("open file failed", "path", name, "error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// resolve maps a URL path to a name relative to the root. Paths containing
// a ".." element, a NUL or a backslash are refused.
func resolve(urlPath string) (string, bool) {
	if strings.ContainsAny(urlPath, "\x00\\") {
		return "", false
	}
	for _, seg := range strings.Split(urlPath, "/") {
		if seg == ".." {
			return "", false
		}
	}

	name := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if name == "" {
		name = "."
	}
	return name, true
}

// redirectToDir sends a relative redirect adding the trailing slash.
func redirectToDir(w http.ResponseWriter, r *http.Request) {
	target := &url.URL{Path: path.Base(r.URL.Path) + "/", RawQuery: r.URL.RawQuery}
	w.Header().Set("Location", target.String())
	w.WriteHeader(http.StatusTemporaryRedirect)
}

func weakETag(info fs.FileInfo) string {
	return fmt.Sprintf(`W/"%x-%x"`, info.ModTime().UnixNano(), info.Size())
}
