package api

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"github.com/starmeter-project/starmeter/internal/util"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "starmeter",
		"version": Version,
	})
}

func (s *Server) handleGetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": Version,
		"name":    "starmeter",
		"go":      runtime.Version(),
	})
}

// handleGetSystem returns host information and the meter's own footprint.
func (s *Server) handleGetSystem(c *gin.Context) {
	resp := gin.H{"system": util.GetSystemInfo()}
	if usage, err := util.GetProcessUsage(); err == nil {
		resp["process"] = usage
	}
	c.JSON(http.StatusOK, resp)
}
