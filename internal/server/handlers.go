package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/torosent/freshbench/internal/backend"
	"github.com/torosent/freshbench/internal/engine"
	"github.com/torosent/freshbench/internal/pool"
)

// backendErrorStatus maps a probe failure to a status code: 503 while the
// streaming pool is missing, 502 for everything else (the failure belongs
// to the database behind the API, not the API itself).
func backendErrorStatus(err error) int {
	if errors.Is(err, pool.ErrStreamingUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func streamingErrorStatus(err error) int {
	if errors.Is(err, pool.ErrStreamingUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type healthResponse struct {
	engine.Health
	Connections int `json:"connections"`
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Health:      s.eng.Health(),
		Connections: s.hub.count(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Snapshot())
}

func (s *Server) getLifetimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"run_id":     s.eng.RunID(),
		"elapsed_s":  s.eng.Elapsed().Seconds(),
		"backends":   s.eng.LifetimeStats(),
		"pool":       s.eng.PoolCounters(),
		"pool_conns": s.eng.PoolStats(),
	})
}

func (s *Server) probeBackend(c *gin.Context) {
	b, err := backend.Parse(c.Param("backend"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	took, row, err := s.eng.Probe(c.Request.Context(), b)
	if err != nil {
		c.JSON(backendErrorStatus(err), gin.H{"backend": b.Key(), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"backend":     b.Key(),
		"duration_ms": float64(took) / float64(time.Millisecond),
		"row":         row,
	})
}

func (s *Server) configureRefreshInterval(c *gin.Context) {
	seconds, err := strconv.Atoi(c.Param("seconds"))
	if err != nil || seconds < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interval must be at least 1 second"})
		return
	}

	old, err := s.eng.SetRefreshInterval(time.Duration(seconds) * time.Second)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "success",
		"old_interval": int(old.Seconds()),
		"new_interval": seconds,
	})
}

func (s *Server) currentRefreshInterval(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "success",
		"refresh_interval": int(s.eng.RefreshInterval().Seconds()),
	})
}

func (s *Server) forceRefresh(c *gin.Context) {
	took, err := s.eng.ForceRefresh(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"duration_ms": float64(took) / float64(time.Millisecond),
	})
}

func (s *Server) toggleTraffic(c *gin.Context) {
	b, err := backend.Parse(c.Param("backend"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"backend": b.Key(),
		"enabled": s.eng.ToggleTraffic(b),
	})
}

func (s *Server) toggleViewIndex(c *gin.Context) {
	exists, err := s.eng.ToggleReadinessIndex(c.Request.Context())
	if err != nil {
		c.JSON(streamingErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	msg := "index created successfully"
	if !exists {
		msg = "index dropped successfully"
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "index_exists": exists})
}

func (s *Server) viewIndexStatus(c *gin.Context) {
	exists, err := s.eng.IndexExists(c.Request.Context())
	if err != nil {
		c.JSON(streamingErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"index_exists": exists})
}

func (s *Server) toggleIsolation(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "success",
		"isolation_level": s.eng.ToggleIsolation(),
	})
}

func (s *Server) togglePromotion(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("product_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product id must be an integer"})
		return
	}

	active, updatedAt, err := s.eng.TogglePromotion(c.Request.Context(), id)
	switch {
	case errors.Is(err, engine.ErrNoPromotion):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"active":     active,
		"updated_at": updatedAt,
	})
}

func (s *Server) setProduct(c *gin.Context) {
	raw := c.Param("product_id")
	if raw == "next" {
		c.JSON(http.StatusOK, gin.H{"status": "success", "product_id": s.eng.NextProduct()})
		return
	}

	id, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": `product id must be an integer or "next"`})
		return
	}
	if err := s.eng.SetProduct(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "product_id": id})
}

func (s *Server) databaseSize(c *gin.Context) {
	size, err := s.eng.DatabaseSize(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, size)
}
