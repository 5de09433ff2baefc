package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/deskrelay/deskrelay/internal/delivery"
	"github.com/deskrelay/deskrelay/internal/logging"
	"github.com/deskrelay/deskrelay/internal/tracing"
)

// Handler exposes the control service over REST:
//
//	POST   /v1/deliveries              enqueue
//	POST   /v1/deliveries/log          log an already-performed call
//	GET    /v1/deliveries              list (?status=&limit=&offset=)
//	GET    /v1/deliveries/{id}         get
//	POST   /v1/deliveries/{id}/pause   pause
//	POST   /v1/deliveries/{id}/resume  resume
//	DELETE /v1/deliveries/{id}         delete
//
// {id} accepts either the surrogate id or the event id; operator tooling
// links by event id, internal callers by surrogate id.
func Handler(svc *Service, logger *logging.Logger) http.Handler {
	h := &handlers{svc: svc, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/deliveries", h.enqueue)
	mux.HandleFunc("POST /v1/deliveries/log", h.logResult)
	mux.HandleFunc("GET /v1/deliveries", h.list)
	mux.HandleFunc("GET /v1/deliveries/{id}", h.get)
	mux.HandleFunc("POST /v1/deliveries/{id}/pause", h.pause)
	mux.HandleFunc("POST /v1/deliveries/{id}/resume", h.resume)
	mux.HandleFunc("DELETE /v1/deliveries/{id}", h.remove)
	return mux
}

type handlers struct {
	svc    *Service
	logger *logging.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *delivery.ValidationError
	var nferr *delivery.NotFoundError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error()})
	case errors.As(err, &nferr):
		writeJSON(w, http.StatusNotFound, errorBody{Error: nferr.Error()})
	default:
		tracing.SetSpanError(r.Context(), err)
		h.logger.WithContext(r.Context()).WithError(err).Error("control request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// resolve maps a path identifier onto a stored record. All-digit identifiers
// are treated as surrogate ids, anything else as an event id.
func (h *handlers) resolve(r *http.Request) (delivery.Record, error) {
	raw := r.PathValue("id")
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return h.svc.Get(r.Context(), id)
	}
	return h.svc.GetByEventID(r.Context(), raw)
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	var in EnqueueInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, r, &delivery.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}
	rec, created, err := h.svc.Enqueue(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// 201 for a fresh record, 200 when the event id was already present.
	if created {
		writeJSON(w, http.StatusCreated, rec)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) logResult(w http.ResponseWriter, r *http.Request) {
	var in LogResultInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, r, &delivery.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}
	rec, err := h.svc.LogResult(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	f := delivery.ListFilter{
		Status: delivery.Status(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, &delivery.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, &delivery.ValidationError{Field: "offset", Reason: "must be a non-negative integer"})
			return
		}
		f.Offset = n
	}

	recs, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []delivery.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.resolve(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) pause(w http.ResponseWriter, r *http.Request) {
	rec, err := h.resolve(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, err := h.svc.Pause(r.Context(), rec.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	rec, err := h.resolve(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, err := h.svc.Resume(r.Context(), rec.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) remove(w http.ResponseWriter, r *http.Request) {
	rec, err := h.resolve(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.Delete(r.Context(), rec.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
