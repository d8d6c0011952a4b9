package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPHandlerNilDB(t *testing.T) {
	handler := HTTPHandler(nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("HTTPHandler(nil) status code = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("HTTPHandler(nil) Content-Type = %q, want %q", ct, "application/json")
	}

	var status Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("HTTPHandler(nil) JSON parse error: %v", err)
	}
	if !status.OK {
		t.Errorf("HTTPHandler(nil) Status.OK = false, want true")
	}
	if status.Message != "ok" {
		t.Errorf("HTTPHandler(nil) Status.Message = %q, want %q", status.Message, "ok")
	}
}

func TestReadyHandler(t *testing.T) {
	tests := []struct {
		name               string
		ready              func() bool
		expectedStatusCode int
		expectedOK         bool
	}{
		{
			name:               "nil ready func is always ready",
			ready:              nil,
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
		},
		{
			name:               "ready",
			ready:              func() bool { return true },
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
		},
		{
			name:               "not ready",
			ready:              func() bool { return false },
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := ReadyHandler(tt.ready)
			req := httptest.NewRequest("GET", "/readyz", nil)
			w := httptest.NewRecorder()

			handler(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("ReadyHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("ReadyHandler() JSON parse error: %v", err)
			}
			if status.OK != tt.expectedOK {
				t.Errorf("ReadyHandler() Status.OK = %v, want %v", status.OK, tt.expectedOK)
			}
		})
	}
}
