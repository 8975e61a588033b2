package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"fxflow/internal/symbols"
	"fxflow/models"
)

func errorBody(code string) gin.H {
	return gin.H{"error": code}
}

func (s *Server) handlePairs(c *gin.Context) {
	out := make([]string, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, string(p))
	}
	c.JSON(http.StatusOK, gin.H{"pairs": out})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	pair, err := symbols.ParsePair(c.Param("pair"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_pair"))
		return
	}
	snap, err := s.snapshots.Latest(pair)
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody("not_found"))
		return
	}
	if err != nil {
		s.log.WithComponent("gateway").WithError(err).WithField("pair", string(pair)).Error("snapshot lookup failed")
		c.JSON(http.StatusInternalServerError, errorBody("internal"))
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleSnapshots returns the latest snapshot of every pair published so far.
func (s *Server) handleSnapshots(c *gin.Context) {
	pairs := s.snapshots.Pairs()
	out := make([]models.MergedSnapshot, 0, len(pairs))
	for _, p := range pairs {
		snap, err := s.snapshots.Latest(p)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "snapshots": out})
}

func (s *Server) handleHistory(c *gin.Context) {
	pair, err := symbols.ParsePair(c.Param("pair"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_pair"))
		return
	}
	from, err := parseTimeParam(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_from"))
		return
	}
	to, err := parseTimeParam(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_to"))
		return
	}
	limit := s.cfg.HistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorBody("invalid_limit"))
			return
		}
		if n < limit {
			limit = n
		}
	}

	history := s.snapshots.History(pair, from, to, limit)
	c.JSON(http.StatusOK, gin.H{
		"pair":      string(pair),
		"count":     len(history),
		"snapshots": history,
	})
}

// parseTimeParam accepts RFC3339 or unix milliseconds. Empty means unbounded.
func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
	}
	return t, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	var sources []models.SourceHealth
	if s.health != nil {
		sources = s.health.Health()
	}
	if sources == nil {
		sources = []models.SourceHealth{}
	}

	status := "ok"
	for _, h := range sources {
		if h.State == models.SourceDegraded {
			status = "degraded"
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
		"sources": sources,
		"store":   s.snapshots.Stats(),
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	items := s.events.snapshot()
	payload := make([]gin.H, 0, len(items))
	for _, m := range items {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": payload})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot()})
}

func (s *Server) handleResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
}
