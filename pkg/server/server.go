package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bothive/bothive/pkg/broadcast"
	"github.com/bothive/bothive/pkg/errors"
	"github.com/bothive/bothive/pkg/logging"
	"github.com/bothive/bothive/pkg/registry"
	"github.com/bothive/bothive/pkg/supervisor"

	"github.com/gorilla/mux"
)

const mimeJson = "application/json; charset=UTF-8"

// maxUploadSize bounds uploaded bundle archives.
const maxUploadSize = 64 << 20

// Error is the JSON error body returned for failed requests.
type Error struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type okResult struct {
	Result string `json:"result"`
}

var ok = &okResult{Result: "ok"}

// Handler wraps the supervisor, adding http.Handler functionality.
type Handler struct {
	sup    *supervisor.Supervisor
	store  *registry.Store
	hub    *broadcast.Hub
	logger logging.Logger
	r      *mux.Router
}

// NewHandler builds the routing table over the supervisor.
func NewHandler(sup *supervisor.Supervisor, store *registry.Store, hub *broadcast.Hub, logger logging.Logger) *Handler {
	r := mux.NewRouter()
	h := &Handler{sup: sup, store: store, hub: hub, logger: logger, r: r}
	r.HandleFunc("/units", h.listUnits).Methods("GET")
	r.HandleFunc("/units", h.deployUnit).Methods("POST")
	r.HandleFunc("/units/{unit}/start", h.startUnit).Methods("POST")
	r.HandleFunc("/units/{unit}/stop", h.stopUnit).Methods("POST")
	r.HandleFunc("/units/{unit}/restart", h.restartUnit).Methods("POST")
	r.HandleFunc("/units/{unit}/install", h.installUnit).Methods("POST")
	r.HandleFunc("/units/{unit}", h.deleteUnit).Methods("DELETE")
	r.HandleFunc("/units/{unit}/env", h.getUnitEnv).Methods("GET")
	r.HandleFunc("/units/{unit}/env/{key}", h.setUnitEnvVar).Methods("PUT")
	r.HandleFunc("/units/{unit}/env/{key}", h.deleteUnitEnvVar).Methods("DELETE")
	r.HandleFunc("/events", h.streamEvents).Methods("GET")
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// writeOperationError maps a domain error onto an HTTP status.
func (h *Handler) writeOperationError(w http.ResponseWriter, err error) {
	e := &Error{Code: http.StatusInternalServerError, Reason: "internal", Message: err.Error()}
	switch {
	case errors.IsNotFoundError(err):
		e.Code, e.Reason = http.StatusNotFound, "not_found"
	case errors.IsConflictError(err):
		e.Code, e.Reason = http.StatusConflict, "conflict"
	case errors.IsResolutionError(err):
		e.Code, e.Reason = http.StatusConflict, "resolution"
	case errors.IsValidationError(err):
		e.Code, e.Reason = http.StatusBadRequest, "validation"
	}
	h.writeError(w, e)
}

func (h *Handler) listUnits(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, h.sup.List())
}

// deployUnit accepts a multipart upload with a "bundle" file part. The unit
// name is derived from the uploaded file name.
func (h *Handler) deployUnit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		h.writeError(w, &Error{http.StatusBadRequest, "validation", "expected multipart upload: " + err.Error()})
		return
	}
	file, header, err := r.FormFile("bundle")
	if err != nil {
		h.writeError(w, &Error{http.StatusBadRequest, "validation", "missing bundle file part"})
		return
	}
	defer file.Close()

	archive, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		h.writeError(w, &Error{http.StatusBadRequest, "validation", "failed to read upload: " + err.Error()})
		return
	}
	if len(archive) > maxUploadSize {
		h.writeError(w, &Error{http.StatusRequestEntityTooLarge, "validation", "bundle too large"})
		return
	}

	name, err := h.sup.Deploy(archive, header.Filename)
	if err != nil {
		h.writeOperationError(w, err)
		return
	}

	h.logger.Infof("Unit deployed via upload, name: %s, size: %d", name, len(archive))
	h.writeJson(w, &supervisor.UnitStatus{Name: name, Status: supervisor.StatusStopped})
}

func (h *Handler) startUnit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	if err := h.sup.Start(r.Context(), name); err != nil {
		h.writeOperationError(w, err)
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) stopUnit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	if err := h.sup.Stop(name); err != nil {
		h.writeOperationError(w, err)
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) restartUnit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	if err := h.sup.Restart(r.Context(), name); err != nil {
		h.writeOperationError(w, err)
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) installUnit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	if err := h.sup.Install(r.Context(), name); err != nil {
		h.writeOperationError(w, err)
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) deleteUnit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	if err := h.sup.Delete(name); err != nil {
		h.writeOperationError(w, err)
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) getUnitEnv(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	env, err := h.store.GetEnv(name)
	if err != nil {
		h.writeOperationError(w, err)
		return
	}
	h.writeJson(w, env)
}

type envValue struct {
	Value string `json:"value"`
}

func (h *Handler) setUnitEnvVar(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, key := vars["unit"], vars["key"]

	var body envValue
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, &Error{http.StatusBadRequest, "validation", "expected JSON body with a value field"})
		return
	}

	if err := h.store.SetEnvVar(name, key, body.Value); err != nil {
		h.writeOperationError(w, err)
		return
	}
	h.hub.PublishRegistryChanged()
	h.writeJson(w, ok)
}

func (h *Handler) deleteUnitEnvVar(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, key := vars["unit"], vars["key"]

	if err := h.store.DeleteEnvVar(name, key); err != nil {
		h.writeOperationError(w, err)
		return
	}
	h.hub.PublishRegistryChanged()
	h.writeJson(w, ok)
}

// streamEvents serves the broadcast stream as server-sent events. A welcome
// event is written first so clients can confirm the stream is live before
// any unit activity occurs.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		h.writeError(w, &Error{http.StatusInternalServerError, "internal", "streaming unsupported"})
		return
	}

	id, events := h.hub.Subscribe()
	defer h.hub.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeEvent := func(event broadcast.Event) bool {
		b, err := json.Marshal(event)
		if err != nil {
			h.logger.Errorf("Failed to encode event: %v", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeEvent(broadcast.Event{Kind: broadcast.EventKindLine, Text: "connected"}) {
		return
	}

	h.logger.Debugf("Event stream opened, observer: %s", id)
	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			if !writeEvent(event) {
				return
			}
		case <-r.Context().Done():
			h.logger.Debugf("Event stream closed, observer: %s", id)
			return
		}
	}
}
