package processsvc

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dfm-io/dfm/internal/bus"
	"github.com/dfm-io/dfm/internal/dfmerr"
	"github.com/dfm-io/dfm/internal/ir"
	"github.com/dfm-io/dfm/internal/job"
)

// handleStatus implements GET /status.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// handleVersion implements GET /version.
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"version": s.version, "name": "dfm-process"})
}

// handleHealthz implements the supplemented GET /healthz readiness check
// (SPEC_FULL.md §12): a keyed-store ping, following arkeep's db.Ping idiom.
func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.bus.Ping(r.Context()); err != nil {
		ErrInternal(w, "store unreachable: "+err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// handleProcess implements POST /process?mode=execute|discovery (spec.md
// §4.6).
func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "execute"
	}
	if mode != "execute" && mode != "discovery" {
		ErrBadRequest(w, "mode must be \"execute\" or \"discovery\"")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var proc ir.Process
	if err := decodeJSONInto(r, &proc); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "deadline") {
			ErrUnprocessable(w, err.Error())
			return
		}
		ErrBadRequest(w, err.Error())
		return
	}
	if err := proc.Validate(); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	requestID := newRequestID()
	state := job.NewRequestState(requestID, &proc)
	if err := s.bus.PutDocument(r.Context(), bus.RequestKey(requestID), state); err != nil {
		ErrInternal(w, err.Error())
		return
	}

	homeSite := s.siteName
	if proc.Site != nil && *proc.Site != "" {
		homeSite = *proc.Site
	}
	j := job.Job{
		RequestID:   requestID,
		HomeSite:    homeSite,
		Deadline:    proc.Deadline,
		Execute:     proc.Execute,
		IsDiscovery: mode == "discovery",
	}
	if err := s.dispatch(r.Context(), j); err != nil {
		ErrInternal(w, err.Error())
		return
	}

	s.log.Info("process ingested",
		zap.String("request_id", requestID),
		zap.String("mode", mode),
	)
	JSON(w, http.StatusOK, map[string]string{"request_id": requestID})
}

// handleResponses implements GET /request/responses/{id}?index=&size=
// (spec.md §4.6).
func (s *Service) handleResponses(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	index, err := queryInt(r, "index", 0)
	if err != nil {
		ErrBadRequest(w, "index: "+err.Error())
		return
	}
	size, err := queryInt(r, "size", 0)
	if err != nil {
		ErrBadRequest(w, "size: "+err.Error())
		return
	}

	var state job.RequestState
	if err := s.bus.GetDocument(r.Context(), bus.RequestKey(requestID), &state); err != nil {
		if dfmerr.FromError(err).Kind == dfmerr.KindData {
			ErrNotFound(w)
			return
		}
		ErrInternal(w, err.Error())
		return
	}

	slice := state.Slice(index, size)
	if len(slice) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	JSON(w, http.StatusOK, slice)
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
