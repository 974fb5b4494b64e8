package middleware

// Device identity rides in request metadata. The sync handlers prefer the
// id in the request body and fall back to these headers; a client that sends
// neither is tracked under a shared placeholder session.

import "github.com/gin-gonic/gin"

const UnknownDevice = "unknown"

func DeviceID(c *gin.Context) string {
	if id := c.GetHeader("X-Device-Id"); id != "" {
		return id
	}
	return UnknownDevice
}

func DeviceName(c *gin.Context) *string {
	if name := c.GetHeader("X-Device-Name"); name != "" {
		return &name
	}
	return nil
}
