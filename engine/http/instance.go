// Package http contains HTTP handlers that work with the NanoWF engine.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/micromdm/nanowf/engine"
	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/http/api"
	"github.com/micromdm/nanowf/logkeys"
	"github.com/micromdm/nanowf/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var ErrNoHost = errors.New("missing instance host")

// InstanceHost addresses hosted instances for the API handlers.
type InstanceHost interface {
	// Start creates and runs a new instance of the named program.
	Start(ctx context.Context, programName string) (string, error)

	// Load returns the loaded instance by id, reloading it from the
	// store when needed.
	Load(ctx context.Context, instanceID, programName string) (*engine.Instance, error)

	// Unload persists and evicts the instance by id.
	Unload(ctx context.Context, instanceID string) error
}

// statusCode maps engine and storage errors onto HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrNoSuchProgram),
		errors.Is(err, engine.ErrNoSuchInstance),
		errors.Is(err, storage.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrMissingInstance):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrInstanceLocked):
		return http.StatusConflict
	case errors.Is(err, engine.ErrAborted),
		errors.Is(err, engine.ErrUnloaded),
		errors.Is(err, engine.ErrCompleted):
		return http.StatusGone
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// StartInstanceHandler creates a HandlerFunc that starts a new
// instance of the program named in the path.
func StartInstanceHandler(host InstanceHost, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		name := flow.Param(r.Context(), "name")
		logger = logger.With("name", name)
		if host == nil {
			logger.Info(logkeys.Message, "starting instance", logkeys.Error, ErrNoHost)
			api.JSONError(w, ErrNoHost, 0)
			return
		}

		logger.Debug(logkeys.Message, "starting instance")
		instanceID, err := host.Start(r.Context(), name)
		if err != nil {
			logger.Info(logkeys.Message, "starting instance", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}

		jsonResp := &struct {
			InstanceID string `json:"instance_id"`
		}{InstanceID: instanceID}
		if err = json.NewEncoder(w).Encode(jsonResp); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// loadInstance resolves the :id path parameter to a hosted instance,
// writing the error response itself on failure.
func loadInstance(w http.ResponseWriter, r *http.Request, host InstanceHost, logger log.Logger) *engine.Instance {
	instanceID := flow.Param(r.Context(), "id")
	instance, err := host.Load(r.Context(), instanceID, r.URL.Query().Get("program"))
	if err != nil {
		logger.Info(
			logkeys.Message, "loading instance",
			logkeys.InstanceID, instanceID,
			logkeys.Error, err,
		)
		api.JSONError(w, err, statusCode(err))
		return nil
	}
	return instance
}

// GetBookmarksHandler creates a HandlerFunc that lists the instance's
// host-visible bookmarks.
func GetBookmarksHandler(host InstanceHost, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		instance := loadInstance(w, r, host, logger)
		if instance == nil {
			return
		}

		bms, err := instance.GetBookmarks(r.Context())
		if err != nil {
			logger.Info(logkeys.Message, "getting bookmarks", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}

		jsonResp := &struct {
			Bookmarks []string `json:"bookmarks"`
		}{Bookmarks: []string{}}
		for _, bm := range bms {
			jsonResp.Bookmarks = append(jsonResp.Bookmarks, bm.Name())
		}
		if err = json.NewEncoder(w).Encode(jsonResp); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// ResumeBookmarkHandler creates a HandlerFunc that resumes the named
// bookmark with the JSON request body as payload.
func ResumeBookmarkHandler(host InstanceHost, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		instance := loadInstance(w, r, host, logger)
		if instance == nil {
			return
		}

		name := flow.Param(r.Context(), "name")
		logger = logger.With(logkeys.BookmarkName, name)

		var value interface{}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
				logger.Info(logkeys.Message, "decoding payload", logkeys.Error, err)
				api.JSONError(w, err, http.StatusBadRequest)
				return
			}
		}

		result, err := instance.ResumeBookmark(r.Context(), name, value)
		if err != nil {
			logger.Info(logkeys.Message, "resuming bookmark", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		logger.Debug(logkeys.Message, "resumed bookmark", "result", result)

		if result == workflow.ResumeNotFound {
			w.WriteHeader(http.StatusNotFound)
		}
		jsonResp := &struct {
			Result string `json:"result"`
		}{Result: result.String()}
		if err = json.NewEncoder(w).Encode(jsonResp); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// instanceOpHandler is the shared shape of the verb endpoints
// (cancel, terminate, persist).
func instanceOpHandler(host InstanceHost, logger log.Logger, name string, op func(r *http.Request, instance *engine.Instance) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		instance := loadInstance(w, r, host, logger)
		if instance == nil {
			return
		}

		if err := op(r, instance); err != nil {
			logger.Info(logkeys.Message, name, logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		logger.Debug(logkeys.Message, name, logkeys.InstanceID, instance.ID())
		w.WriteHeader(http.StatusNoContent)
	}
}

// CancelInstanceHandler creates a HandlerFunc that requests graceful
// cancellation.
func CancelInstanceHandler(host InstanceHost, logger log.Logger) http.HandlerFunc {
	return instanceOpHandler(host, logger, "cancel instance", func(r *http.Request, instance *engine.Instance) error {
		return instance.Cancel(r.Context())
	})
}

// TerminateInstanceHandler creates a HandlerFunc that terminates the
// instance with the reason from the "reason" query parameter.
func TerminateInstanceHandler(host InstanceHost, logger log.Logger) http.HandlerFunc {
	return instanceOpHandler(host, logger, "terminate instance", func(r *http.Request, instance *engine.Instance) error {
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "terminated via api"
		}
		return instance.Terminate(r.Context(), errors.New(reason))
	})
}

// PersistInstanceHandler creates a HandlerFunc that snapshots the
// instance, leaving it loaded.
func PersistInstanceHandler(host InstanceHost, logger log.Logger) http.HandlerFunc {
	return instanceOpHandler(host, logger, "persist instance", func(r *http.Request, instance *engine.Instance) error {
		return instance.Persist(r.Context())
	})
}

// UnloadInstanceHandler creates a HandlerFunc that persists and
// evicts the instance.
func UnloadInstanceHandler(host InstanceHost, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		instanceID := flow.Param(r.Context(), "id")
		if err := host.Unload(r.Context(), instanceID); err != nil {
			logger.Info(
				logkeys.Message, "unloading instance",
				logkeys.InstanceID, instanceID,
				logkeys.Error, err,
			)
			api.JSONError(w, err, statusCode(err))
			return
		}
		logger.Debug(logkeys.Message, "unloaded instance", logkeys.InstanceID, instanceID)
		w.WriteHeader(http.StatusNoContent)
	}
}
