package ports

import (
	"github.com/gin-gonic/gin"
)

type ControlHandler interface {
	ListDevices(c *gin.Context)
	GetLocalDevice(c *gin.Context)
	SetDeviceStatus(c *gin.Context)
	ResetDevices(c *gin.Context)
	GetDiscovery(c *gin.Context)
	StartDiscovery(c *gin.Context)
	StopDiscovery(c *gin.Context)
	StartPreview(c *gin.Context)
	StopPreview(c *gin.Context)
	GetConsent(c *gin.Context)
	AnswerConsent(c *gin.Context)
	GetSession(c *gin.Context)
	GetStats(c *gin.Context)
	StartSharing(c *gin.Context)
	StopSharing(c *gin.Context)
}

type SignalHandler interface {
	HandleOffer(c *gin.Context)
}
