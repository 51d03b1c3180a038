// Package auth guards the state-changing status server endpoints.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

const (
	// ResultKey is the context key for the auth result
	ResultKey ContextKey = "auth_result"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Method is the way a request authenticated.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodBasic  Method = "basic"
)

// Config lists the accepted credentials. Token enables bearer auth;
// Username plus a bcrypt PasswordHash enables basic auth. Both may be set.
type Config struct {
	Token        string `toml:"token" mapstructure:"token"`
	Username     string `toml:"username" mapstructure:"username"`
	PasswordHash string `toml:"password_hash" mapstructure:"password_hash"`
}

// Enabled reports whether any credential is configured.
func (c Config) Enabled() bool {
	return c.Token != "" || c.Username != ""
}

// Validate checks that basic auth is fully configured with a bcrypt hash.
func (c Config) Validate() error {
	if c.Username == "" && c.PasswordHash == "" {
		return nil
	}
	if c.Username == "" || c.PasswordHash == "" {
		return errors.New("auth: username and password_hash must be set together")
	}
	if _, err := bcrypt.Cost([]byte(c.PasswordHash)); err != nil {
		return errors.New("auth: password_hash is not a bcrypt hash")
	}
	return nil
}

// HashPassword returns the bcrypt hash to put in password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Result represents the result of authentication
type Result struct {
	Success  bool   `json:"success"`
	Method   Method `json:"method,omitempty"`
	Username string `json:"username,omitempty"`
}

// Middleware provides authentication middleware for HTTP handlers
type Middleware struct {
	cfg     Config
	enabled bool
}

// NewMiddleware returns a middleware for cfg. Without credentials it is
// disabled and lets every request through.
func NewMiddleware(cfg Config) *Middleware {
	return &Middleware{cfg: cfg, enabled: cfg.Enabled()}
}

// Enabled reports whether requests are checked.
func (m *Middleware) Enabled() bool { return m != nil && m.enabled }

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		result, err := m.Authenticate(c.Request)
		if err != nil || !result.Success {
			c.Header("WWW-Authenticate", `Basic realm="keepalive"`)
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			c.Abort()
			return
		}

		c.Set(string(ResultKey), result)
		c.Next()
	}
}

// Authenticate checks the Authorization header of r, bearer token first.
func (m *Middleware) Authenticate(r *http.Request) (*Result, error) {
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "bearer") {
		if m.cfg.Token != "" && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(m.cfg.Token)) == 1 {
			return &Result{Success: true, Method: MethodBearer}, nil
		}
		return &Result{Success: false}, ErrInvalidCredentials
	}

	username, password, ok := r.BasicAuth()
	if ok && m.cfg.Username != "" {
		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.cfg.Username)) == 1
		// compare the hash even for a wrong user so timing does not leak it
		hashErr := bcrypt.CompareHashAndPassword([]byte(m.cfg.PasswordHash), []byte(password))
		if userOK && hashErr == nil {
			return &Result{Success: true, Method: MethodBasic, Username: username}, nil
		}
	}

	return &Result{Success: false}, ErrInvalidCredentials
}
