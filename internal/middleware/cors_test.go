package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantStatus int
		wantOrigin string
		wantCreds  bool
	}{
		{name: "explicit origin", allowed: []string{"https://chat.example"}, origin: "https://chat.example", method: http.MethodGet, wantStatus: http.StatusTeapot, wantOrigin: "https://chat.example", wantCreds: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://any.example", method: http.MethodGet, wantStatus: http.StatusTeapot, wantOrigin: "https://any.example"},
		{name: "not allowed", allowed: []string{"https://chat.example"}, origin: "https://evil.example", method: http.MethodGet, wantStatus: http.StatusTeapot},
		{name: "no origin", allowed: []string{"*"}, method: http.MethodGet, wantStatus: http.StatusTeapot},
		{name: "preflight", allowed: []string{"https://chat.example"}, origin: "https://chat.example", method: http.MethodOptions, wantStatus: http.StatusNoContent, wantOrigin: "https://chat.example", wantCreds: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/chat", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %v, want %v", got, tt.wantCreds)
			}
			if tt.wantOrigin != "" && !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "X-Chat-Session-ID") {
				t.Error("session header not allowed")
			}
			if got := rec.Header().Get("Vary"); got != "Origin" {
				t.Errorf("Vary = %q, want Origin", got)
			}
		})
	}
}
