package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"blastpit/internal/common/auth"
	appErr "blastpit/pkg/errors"
	"blastpit/pkg/utils/response"
)

const (
	actorSubjectContextKey = "actor_subject"
	actorRoleContextKey    = "actor_role"
)

// RequireAuth enforces bearer-token validation and optional role checks
// for protected routes.
func RequireAuth(verifier *auth.Verifier, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			response.AbortWithErrorCode(c, appErr.ServiceUnavailable, "auth is not configured")
			return
		}

		token := extractBearerToken(c.GetHeader("Authorization"))
		principal, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}

		if len(roles) > 0 && !hasRole(principal.Role, roles) {
			response.AbortWithErrorCode(c, appErr.PermissionDenied, "insufficient role")
			return
		}

		c.Set(actorSubjectContextKey, principal.Subject)
		c.Set(actorRoleContextKey, principal.Role)
		c.Next()
	}
}

// ActorSubject returns the authenticated subject set by RequireAuth.
func ActorSubject(c *gin.Context) string {
	return c.GetString(actorSubjectContextKey)
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasRole(role string, allowed []string) bool {
	for _, item := range allowed {
		if strings.EqualFold(role, item) {
			return true
		}
	}
	return false
}
