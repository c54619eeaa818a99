package uploadguard

import (
	"encoding/json"
	"net/http"
)

// SetError records an error response for the request.
// Without Handler in the chain this writes the error immediately to w.
func SetError(w http.ResponseWriter, r *http.Request, err *APIError) {
	state := getState(r.Context())
	if state == nil {
		writeJSON(w, err.Status, errorResponse{Error: err})
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.err = err
}

// SetResponse records a JSON response for the request.
// Without Handler in the chain this writes the response immediately to w.
func SetResponse(w http.ResponseWriter, r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		if body == nil {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, status, body)
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.body = body
}

// SetHeader sets a response header. With Handler in the chain the header is kept
// in the request state, otherwise it is set on w directly.
func SetHeader(w http.ResponseWriter, r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		w.Header().Set(key, value)
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	buf, err := json.Marshal(body)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(buf, '\n'))
}
