package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/starmeter-project/starmeter/internal/entity"
	"github.com/starmeter-project/starmeter/internal/meter"
)

const maxQueryLimit = 1000

// TotalsView is a per-source total with its derived rates.
type TotalsView struct {
	meter.Totals
	DPS      float64 `json:"dps"`
	HPS      float64 `json:"hps"`
	CritRate float64 `json:"crit_rate"`
}

func newTotalsView(t meter.Totals) TotalsView {
	return TotalsView{Totals: t, DPS: t.DPS(), HPS: t.HPS(), CritRate: t.CritRate()}
}

// queryLimit parses ?limit=, falling back to def and capping at maxQueryLimit.
func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n < 1 {
		return def
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}

// handleGetStatus reports the binding, pipeline counters and capture stats.
func (s *Server) handleGetStatus(c *gin.Context) {
	resp := gin.H{
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"stream_clients": s.hub.Clients(),
		"stream_dropped": s.hub.Dropped(),
		"stream_evicted": s.hub.Evicted(),
	}
	if s.deps.Session != nil {
		st := s.deps.Session.Snapshot()
		resp["pipeline"] = st
		resp["bound_seconds"] = int64(st.Uptime(time.Now()).Seconds())
	}
	if s.deps.Capture != nil {
		resp["capture"] = s.deps.Capture()
	}
	if s.deps.Tally != nil {
		resp["meter"] = gin.H{
			"session": s.deps.Tally.Session(),
			"started": s.deps.Tally.Started(),
			"events":  s.deps.Tally.Events(),
		}
	}
	if s.deps.Directory != nil {
		players, monsters := s.deps.Directory.Len()
		resp["entities"] = gin.H{"players": players, "monsters": monsters}
	}
	if s.deps.Bus != nil {
		resp["bus_dropped"] = s.deps.Bus.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetEntities lists known players and monsters, optionally by ?role=.
func (s *Server) handleGetEntities(c *gin.Context) {
	if s.deps.Directory == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "entity directory unavailable"})
		return
	}

	role := c.Query("role")
	resp := gin.H{}
	switch {
	case role == "":
		resp["players"] = s.deps.Directory.Players()
		resp["monsters"] = s.deps.Directory.Monsters()
	case strings.EqualFold(role, entity.RolePlayer.String()):
		resp["players"] = s.deps.Directory.Players()
	case strings.EqualFold(role, entity.RoleMonster.String()):
		resp["monsters"] = s.deps.Directory.Monsters()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be player or monster"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetRecentCombat(c *gin.Context) {
	if s.deps.Tally == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "meter unavailable"})
		return
	}
	recent := s.deps.Tally.Recent(queryLimit(c, 50))
	c.JSON(http.StatusOK, gin.H{
		"session": s.deps.Tally.Session(),
		"events":  recent,
		"count":   len(recent),
	})
}

func (s *Server) handleGetTotals(c *gin.Context) {
	if s.deps.Tally == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "meter unavailable"})
		return
	}
	totals := s.deps.Tally.Top(queryLimit(c, maxQueryLimit))
	views := make([]TotalsView, 0, len(totals))
	for _, t := range totals {
		views = append(views, newTotalsView(t))
	}
	c.JSON(http.StatusOK, gin.H{
		"session": s.deps.Tally.Session(),
		"sources": views,
	})
}

func (s *Server) handleGetSessions(c *gin.Context) {
	if s.deps.CombatLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage disabled"})
		return
	}
	sessions, err := s.deps.CombatLog.Sessions(queryLimit(c, 20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetSessionTotals(c *gin.Context) {
	if s.deps.CombatLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage disabled"})
		return
	}
	totals, err := s.deps.CombatLog.SessionTotals(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": c.Param("id"), "sources": totals})
}

func (s *Server) handleGetSessionEvents(c *gin.Context) {
	if s.deps.CombatLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage disabled"})
		return
	}
	evs, err := s.deps.CombatLog.RecentEvents(c.Param("id"), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": c.Param("id"), "events": evs, "count": len(evs)})
}
