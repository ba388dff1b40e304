package identity_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/voterledger/voterledger/internal/identity"
)

const testIssuer = "https://registrar.voterledger.test"

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestTokenIssuer(t *testing.T, ttl time.Duration) *identity.TokenIssuer {
	t.Helper()
	ti, err := identity.NewTokenIssuer(testSecret, testIssuer, ttl)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return ti
}

func TestNewTokenIssuer_shortSecret(t *testing.T) {
	if _, err := identity.NewTokenIssuer([]byte("short"), testIssuer, 0); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestTokenIssuer_Verify_valid(t *testing.T) {
	ti := newTestTokenIssuer(t, time.Hour)

	token, err := ti.Issue("ops@example.org", []string{identity.ScopeRecover})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Subject != "ops@example.org" {
		t.Errorf("Subject: got %q", claims.Subject)
	}
	if !claims.HasScope(identity.ScopeRecover) || claims.HasScope(identity.ScopeNotarize) {
		t.Errorf("Scopes: got %v", claims.Scopes)
	}
}

func TestTokenIssuer_Verify_expired(t *testing.T) {
	ti := newTestTokenIssuer(t, time.Nanosecond)

	token, err := ti.Issue("ops", nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)

	if _, err := ti.Verify(token); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestTokenIssuer_Verify_wrongSecret(t *testing.T) {
	ti := newTestTokenIssuer(t, time.Hour)
	other, _ := identity.NewTokenIssuer([]byte("ffffffffffffffffffffffffffffffff"), testIssuer, time.Hour)

	token, _ := other.Issue("ops", nil)
	if _, err := ti.Verify(token); err == nil {
		t.Error("expected error for token signed with another secret")
	}
}

func TestTokenIssuer_Verify_wrongIssuer(t *testing.T) {
	ti := newTestTokenIssuer(t, time.Hour)
	other, _ := identity.NewTokenIssuer(testSecret, "https://elsewhere.test", time.Hour)

	token, _ := other.Issue("ops", nil)
	if _, err := ti.Verify(token); err == nil {
		t.Error("expected error for foreign issuer")
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func TestRequireOperator(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ti := newTestTokenIssuer(t, time.Hour)

	r := gin.New()
	r.POST("/recover", identity.RequireOperator(ti, identity.ScopeRecover), func(c *gin.Context) {
		c.String(http.StatusOK, identity.OperatorFromCtx(c).Subject)
	})

	good, _ := ti.Issue("ops", []string{identity.ScopeRecover})
	wrongScope, _ := ti.Issue("ops", []string{identity.ScopeNotarize})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong scope", "Bearer " + wrongScope, http.StatusForbidden},
		{"ok", "Bearer " + good, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/recover", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRequireOperator_disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/recover", identity.RequireOperator(nil, identity.ScopeRecover), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/recover", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}
