package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ControlAuth enforces bearer token auth and an optional CIDR allowlist on
// the /v1 routes.
type ControlAuth struct {
	token      string
	allowCIDRs []*net.IPNet
}

// NewControlAuth builds the middleware. An empty token disables the token
// check; the allowlist still applies.
func NewControlAuth(token string, allowCIDRs []string) (*ControlAuth, error) {
	nets, err := parseCIDRList(allowCIDRs)
	if err != nil {
		return nil, err
	}
	return &ControlAuth{token: strings.TrimSpace(token), allowCIDRs: nets}, nil
}

// Middleware returns the gin handler.
func (a *ControlAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil {
			c.Next()
			return
		}
		if !a.remoteAllowed(c.Request.RemoteAddr) {
			abortError(c, http.StatusForbidden, errorCodeAuthRemoteAddress, "remote address not allowed")
			return
		}
		if a.token == "" {
			c.Next()
			return
		}
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.Header("WWW-Authenticate", "Bearer")
			abortError(c, http.StatusUnauthorized, errorCodeAuthMissingBearerToken, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			abortError(c, http.StatusUnauthorized, errorCodeAuthInvalidBearerToken, "invalid bearer token")
			return
		}
		c.Next()
	}
}

func (a *ControlAuth) remoteAllowed(remoteAddr string) bool {
	if len(a.allowCIDRs) == 0 {
		return true
	}
	ip := parseRemoteIP(remoteAddr)
	if ip == nil {
		return false
	}
	for _, cidr := range a.allowCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func parseRemoteIP(remoteAddr string) net.IP {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return nil
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if idx := strings.LastIndex(host, "%"); idx >= 0 {
		host = host[:idx]
	}
	return net.ParseIP(host)
}

func parseCIDRList(values []string) ([]*net.IPNet, error) {
	var result []*net.IPNet
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		_, cidr, err := net.ParseCIDR(value)
		if err != nil {
			return nil, err
		}
		result = append(result, cidr)
	}
	return result, nil
}
