package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/events"
)

// handleReset releases the bound flow and clears reassembly state.
func (s *Server) handleReset(c *gin.Context) {
	if s.deps.Session == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline unavailable"})
		return
	}
	was := s.deps.Session.Snapshot()
	s.deps.Session.Reset("manual")

	log.Info().Str("client_ip", c.ClientIP()).Bool("was_bound", was.Bound).Msg("API: flow reset")
	c.JSON(http.StatusOK, gin.H{
		"status":    "reset",
		"was_bound": was.Bound,
		"flow":      was.Flow,
	})
}

// handleClearTotals empties the live meter without touching the binding.
func (s *Server) handleClearTotals(c *gin.Context) {
	if s.deps.Tally == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "meter unavailable"})
		return
	}
	s.deps.Tally.Clear()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// handleGetConfig returns the full current configuration.
func (s *Server) handleGetConfig(c *gin.Context) {
	if s.deps.Config == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "configuration unavailable"})
		return
	}
	data, err := s.deps.Config.JSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

type setFieldRequest struct {
	Value interface{} `json:"value"`
}

// handleSetConfigField updates one config key and saves the file. Most
// settings take effect on restart.
func (s *Server) handleSetConfigField(c *gin.Context) {
	if s.deps.Config == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "configuration unavailable"})
		return
	}

	var req setFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	section, key := c.Param("section"), c.Param("key")
	if err := s.deps.Config.UpdateField(section, key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.deps.Config.Path() != "" {
		if err := s.deps.Config.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
			return
		}
	}

	if s.deps.Bus != nil {
		s.deps.Bus.Emit(c.Request.Context(), events.Event{
			Type:   events.EventConfigChanged,
			Source: "api",
			Payload: events.ConfigChangedPayload{
				Section: section,
				Key:     key,
				Value:   req.Value,
			},
		})
	}

	log.Info().Str("section", section).Str("key", key).Msg("API: configuration updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated", "section": section, "key": key})
}
