package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the Result of the request.
const ResultKey = "auth_result"

// Middleware authenticates API requests and enforces role permissions.
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware { return &Middleware{svc: svc} }

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := m.authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="hashvisor"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !res.Role.Allows(c.Request.Method) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrPermissionDenied.Error()})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// LoginHandler issues a bearer token for a username and password.
func (m *Middleware) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	tok, err := m.svc.Login(req)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (m *Middleware) authenticate(r *http.Request) (Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.svc.AuthenticateToken(strings.TrimSpace(parts[1]))
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return m.svc.AuthenticateBasic(username, password)
	}
	return Result{}, ErrInvalidCredentials
}
