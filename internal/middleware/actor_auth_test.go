package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

var secret = []byte("test-secret")

// okHandler writes 200 and the actor role (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if a, ok := ActorFromCtx(r.Context()); ok {
		w.Write([]byte(a.Role))
	}
})

func request(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestActorAuth_ValidToken(t *testing.T) {
	tok, err := IssueToken(secret, Actor{ID: uuid.New(), Role: RoleAccountant}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	ActorAuth(secret)(okHandler).ServeHTTP(rec, request(tok))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != RoleAccountant {
		t.Errorf("role in context: %q", rec.Body.String())
	}
}

func TestActorAuth_Rejects(t *testing.T) {
	expired, _ := IssueToken(secret, Actor{ID: uuid.New(), Role: RoleAdmin}, -time.Minute)
	foreign, _ := IssueToken([]byte("other"), Actor{ID: uuid.New(), Role: RoleAdmin}, time.Hour)
	cases := map[string]string{
		"missing": "",
		"garbage": "not-a-jwt",
		"expired": expired,
		"foreign": foreign,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ActorAuth(secret)(okHandler).ServeHTTP(rec, request(tok))
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(RoleAdmin, RoleAccountant)(okHandler)

	rec := httptest.NewRecorder()
	req := request("")
	h.ServeHTTP(rec, req.WithContext(WithActor(req.Context(), Actor{ID: uuid.New(), Role: RoleWarden})))
	if rec.Code != http.StatusForbidden {
		t.Errorf("warden: expected 403, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithActor(req.Context(), Actor{ID: uuid.New(), Role: RoleAdmin})))
	if rec.Code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, request(""))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", rec.Code)
	}
}
