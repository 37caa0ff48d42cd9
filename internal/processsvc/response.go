package processsvc

import (
	"encoding/json"
	"net/http"
)

// JSON writes a JSON-encoded response with the given status code, following
// arkeep's api.JSON helper.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Message string `json:"message"`
}

func errJSON(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errorBody{Message: message})
}

// ErrBadRequest writes a 400.
func ErrBadRequest(w http.ResponseWriter, message string) { errJSON(w, http.StatusBadRequest, message) }

// ErrUnprocessable writes a 422 — spec.md §4.6's deadline-missing-zone case.
func ErrUnprocessable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnprocessableEntity, message)
}

// ErrForbidden writes a 403 — spec.md §4.6's auth failure case.
func ErrForbidden(w http.ResponseWriter) { errJSON(w, http.StatusForbidden, "forbidden") }

// ErrNotFound writes a 404 — spec.md §4.6's unknown request id case.
func ErrNotFound(w http.ResponseWriter) { errJSON(w, http.StatusNotFound, "not found") }

// ErrInternal writes a 500 with the given message — spec.md §4.6: "on data
// decoding errors: 500 with the exception string."
func ErrInternal(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusInternalServerError, message)
}
