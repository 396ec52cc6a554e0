package routers

import (
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/openclinic-io/patient-service/internal/handlers"
	"github.com/openclinic-io/patient-service/internal/models"
	"go.uber.org/zap"
)

// Claims is the subset of the verified token's claim set the service
// consumes. Realm roles live under realm_access per the Keycloak token
// layout; a token without the claim simply has no privileged roles.
type Claims struct {
	FullName    string `json:"name"`
	UserName    string `json:"preferred_username"`
	Email       string `json:"email"`
	Subject     string `json:"sub"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// Identity converts the claim set into the request-scoped identity
// handed to every gated operation.
func (claims Claims) Identity() models.Identity {
	roles := claims.RealmAccess.Roles
	if roles == nil {
		roles = []string{}
	}
	return models.Identity{
		Subject:  claims.Subject,
		Username: claims.UserName,
		Email:    claims.Email,
		Roles:    roles,
	}
}

// ValidateJWT verifies the bearer token on each request and stores the
// resolved identity in the gin context. Signature and expiry checks
// are the verifier's job, nothing downstream re-checks them.
func ValidateJWT(logger *zap.SugaredLogger, verifier *oidc.IDTokenVerifier, clientId string) func(*gin.Context) {
	return func(c *gin.Context) {
		authz := c.Request.Header.Get("Authorization")
		if authz == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authz, " ")
		if len(parts) != 2 {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		if strings.ToLower(parts[0]) != "bearer" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		token, err := verifier.Verify(c.Request.Context(), parts[1])
		if err != nil {
			logger.Debugf("token verification failed: %s", err)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		if clientId != "" {
			allowed := false
			for _, audience := range token.Audience {
				if audience == clientId {
					allowed = true
				}
			}
			if !allowed {
				c.AbortWithStatus(http.StatusUnauthorized)
				return
			}
		}

		var claims Claims
		if err := token.Claims(&claims); err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(handlers.AuthIdentityKey, claims.Identity())
		c.Next()
	}
}
