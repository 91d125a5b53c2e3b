// Package shutdown coordinates graceful process termination.
//
// A Handler waits for SIGINT or SIGTERM (or for a context to end, when the
// server fails on its own), then runs the registered hooks in reverse
// registration order under one shared timeout.
//
// Usage:
//
//	h := shutdown.NewHandler(15 * time.Second)
//	h.OnShutdown(srv.Shutdown)
//	err := h.WaitContext(ctx)
package shutdown
