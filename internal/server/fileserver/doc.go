// Package fileserver serves a directory tree read-only over HTTP.
//
// Files are opened through a go-billy filesystem bound to the served root,
// so no request path can resolve outside it. Only GET and HEAD are
// accepted. Directories are never listed: a request for a directory is
// answered with its index.html when one exists and 404 otherwise.
//
// Responses go through http.ServeContent, which provides Content-Length,
// Last-Modified, conditional requests and byte ranges. Bodies are streamed
// from disk.
package fileserver
