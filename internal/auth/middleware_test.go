package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

func testHash(t *testing.T, password string) string {
	t.Helper()
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func guarded(m *Middleware) http.Handler {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.POST("/x", m.GinAuth(), func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return g
}

func TestGinAuth(t *testing.T) {
	m := NewMiddleware(Config{Token: "s3cret", Username: "ops", PasswordHash: testHash(t, "pw")})
	cases := []struct {
		name  string
		setup func(r *http.Request)
		want  int
	}{
		{"anonymous", func(r *http.Request) {}, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") }, http.StatusOK},
		{"bearer lowercase scheme", func(r *http.Request) { r.Header.Set("Authorization", "bearer s3cret") }, http.StatusOK},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"basic", func(r *http.Request) { r.SetBasicAuth("ops", "pw") }, http.StatusOK},
		{"basic wrong password", func(r *http.Request) { r.SetBasicAuth("ops", "bad") }, http.StatusUnauthorized},
		{"basic wrong user", func(r *http.Request) { r.SetBasicAuth("root", "pw") }, http.StatusUnauthorized},
	}
	h := guarded(m)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/x", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("code = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	m := NewMiddleware(Config{})
	if m.Enabled() {
		t.Fatalf("empty config must be disabled")
	}
	rec := httptest.NewRecorder()
	guarded(m).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var nilMW *Middleware
	if nilMW.Enabled() {
		t.Fatalf("nil middleware must be disabled")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Token: "t"}).Validate(); err != nil {
		t.Fatalf("token only: %v", err)
	}
	if err := (Config{Username: "ops"}).Validate(); err == nil {
		t.Fatalf("username without hash should fail")
	}
	if err := (Config{Username: "ops", PasswordHash: "plain"}).Validate(); err == nil {
		t.Fatalf("non-bcrypt hash should fail")
	}
	if err := (Config{Username: "ops", PasswordHash: testHash(t, "pw")}).Validate(); err != nil {
		t.Fatalf("valid basic config: %v", err)
	}
}

func TestHashPassword(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Fatalf("expected error for empty password")
	}
	h, err := HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
}
