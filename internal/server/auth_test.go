package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/veilmarket/veilmarket/internal/config"
)

var (
	testUserNpub  = "npub1" + strings.Repeat("q", 58)
	testAdminNpub = "npub1" + strings.Repeat("p", 58)
)

func newAuthRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{cfg: &config.Config{AdminNpub: testAdminNpub}}
	router := gin.New()
	protected := router.Group("/", s.authMiddleware())
	protected.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"npub":    c.GetString("authNpub"),
			"isAdmin": c.GetBool("isAdmin"),
		})
	})
	protected.GET("/admin", s.requireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestAuthMiddleware_MissingIdentity(t *testing.T) {
	router := newAuthRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/whoami", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity header, got %d", w.Code)
	}
}

func TestAuthMiddleware_InvalidIdentity(t *testing.T) {
	router := newAuthRouter(t)

	r := httptest.NewRequest("GET", "/whoami", nil)
	r.Header.Set(NpubHeader, "not-an-npub")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for malformed npub, got %d", w.Code)
	}
}

func TestAuthMiddleware_ValidIdentity(t *testing.T) {
	router := newAuthRouter(t)

	r := httptest.NewRequest("GET", "/whoami", nil)
	r.Header.Set(NpubHeader, testUserNpub)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), testUserNpub) {
		t.Errorf("expected npub echoed back, got %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"isAdmin":false`) {
		t.Errorf("ordinary identity must not be admin, got %s", w.Body.String())
	}
}

func TestRequireAdmin(t *testing.T) {
	router := newAuthRouter(t)

	r := httptest.NewRequest("GET", "/admin", nil)
	r.Header.Set(NpubHeader, testUserNpub)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", w.Code)
	}

	r = httptest.NewRequest("GET", "/admin", nil)
	r.Header.Set(NpubHeader, testAdminNpub)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for admin, got %d", w.Code)
	}
}
