package middleware

import (
	"net"
	"net/http"

	apperrors "lanscreen/pkg/errors"

	"github.com/gin-gonic/gin"
)

// LocalNetworkOnly rejects requests whose peer address is not loopback,
// link-local or in a private range.
func LocalNetworkOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(clientIP(c.Request))
		if ip == nil || !isLocalNetwork(ip) {
			appErr := apperrors.NewAppError(apperrors.ErrCodePermissionDenied, "only local network clients are accepted", http.StatusForbidden)
			c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			})
			return
		}
		c.Next()
	}
}

func isLocalNetwork(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
