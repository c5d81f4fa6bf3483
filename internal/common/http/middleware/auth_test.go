package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"blastpit/internal/common/auth"
	appErr "blastpit/pkg/errors"
)

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func performRequest(router *gin.Engine, method, path string, headers map[string]string) (*httptest.ResponseRecorder, envelope, error) {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			return rec, resp, err
		}
	}
	return rec, resp, nil
}

func TestRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := "test-secret"
	issuer := "blastpit"
	verifier := auth.NewVerifier(secret, issuer, nil)

	router := gin.New()
	router.GET("/protected", RequireAuth(verifier, "admin"), func(c *gin.Context) {
		c.Header("X-Actor", ActorSubject(c))
		c.Status(http.StatusOK)
	})

	adminToken, err := auth.Mint(secret, issuer, "ops-1", "admin", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	analystToken, err := auth.Mint(secret, issuer, "analyst-1", "analyst", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	cases := []struct {
		name       string
		authHeader string
		wantStatus int
		wantCode   int
		wantActor  string
	}{
		{
			name:       "missing token",
			wantStatus: http.StatusUnauthorized,
			wantCode:   int(appErr.TokenInvalid),
		},
		{
			name:       "malformed header",
			authHeader: "Token abc",
			wantStatus: http.StatusUnauthorized,
			wantCode:   int(appErr.TokenInvalid),
		},
		{
			name:       "valid admin token",
			authHeader: "Bearer " + adminToken,
			wantStatus: http.StatusOK,
			wantActor:  "ops-1",
		},
		{
			name:       "insufficient role",
			authHeader: "Bearer " + analystToken,
			wantStatus: http.StatusForbidden,
			wantCode:   int(appErr.PermissionDenied),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.authHeader != "" {
				headers["Authorization"] = tc.authHeader
			}
			rec, resp, err := performRequest(router, http.MethodGet, "/protected", headers)
			if err != nil {
				t.Fatalf("decode response failed: %v", err)
			}
			if rec.Code != tc.wantStatus {
				t.Fatalf("unexpected status: %d", rec.Code)
			}
			if tc.wantCode != 0 && resp.Code != tc.wantCode {
				t.Fatalf("unexpected error code: %d", resp.Code)
			}
			if tc.wantActor != "" && rec.Header().Get("X-Actor") != tc.wantActor {
				t.Fatalf("unexpected actor header: %s", rec.Header().Get("X-Actor"))
			}
		})
	}
}

func TestRequireAuthNilVerifier(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", RequireAuth(nil), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec, resp, err := performRequest(router, http.MethodGet, "/protected", nil)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if resp.Code != int(appErr.ServiceUnavailable) {
		t.Fatalf("unexpected error code: %d", resp.Code)
	}
}

func TestTraceContextGeneratesIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TraceContext())
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec, _, err := performRequest(router, http.MethodGet, "/ping", nil)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Header().Get("X-Trace-Id") == "" || rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("trace headers missing")
	}

	rec, _, err = performRequest(router, http.MethodGet, "/ping", map[string]string{"X-Trace-Id": "fixed-trace"})
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Header().Get("X-Trace-Id") != "fixed-trace" {
		t.Fatalf("incoming trace id not propagated: %s", rec.Header().Get("X-Trace-Id"))
	}
}
