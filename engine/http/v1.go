package http

import (
	"net/http"

	"github.com/micromdm/nanolib/log"
)

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the instance API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// They are assumed to be layered with mux, possibly at the Handle call.
// If prefix is empty and these handlers are used in sub-paths then
// handlers should have that sub-path stripped from the request.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, host InstanceHost) {
	mux.Handle(
		prefix+"/program/:name/start",
		StartInstanceHandler(host, logger.With("handler", "start instance")),
		"POST",
	)

	mux.Handle(
		prefix+"/instance/:id/bookmarks",
		GetBookmarksHandler(host, logger.With("handler", "get bookmarks")),
		"GET",
	)

	mux.Handle(
		prefix+"/instance/:id/bookmark/:name",
		ResumeBookmarkHandler(host, logger.With("handler", "resume bookmark")),
		"POST",
	)

	mux.Handle(
		prefix+"/instance/:id/cancel",
		CancelInstanceHandler(host, logger.With("handler", "cancel instance")),
		"POST",
	)

	mux.Handle(
		prefix+"/instance/:id/terminate",
		TerminateInstanceHandler(host, logger.With("handler", "terminate instance")),
		"POST",
	)

	mux.Handle(
		prefix+"/instance/:id/persist",
		PersistInstanceHandler(host, logger.With("handler", "persist instance")),
		"POST",
	)

	mux.Handle(
		prefix+"/instance/:id/unload",
		UnloadInstanceHandler(host, logger.With("handler", "unload instance")),
		"POST",
	)
}
