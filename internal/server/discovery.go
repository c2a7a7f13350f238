package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fleetr/internal/directory"
)

// DiscoveryStartRequest optionally overrides the scan interval ("30s").
type DiscoveryStartRequest struct {
	Interval string `json:"interval,omitempty"`
}

type discoveryStateResp struct {
	Running bool `json:"running"`
}

func (s *Server) handleDiscoveryStart(c *gin.Context) {
	var req DiscoveryStartRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	interval := directory.DefaultDiscoveryInterval
	if req.Interval != "" {
		d, err := parsePositiveDuration(req.Interval)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid interval: " + err.Error()})
			return
		}
		interval = d
	}
	if err := s.dir.StartDiscovery(interval); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, discoveryStateResp{Running: true})
}

func (s *Server) handleDiscoveryStop(c *gin.Context) {
	s.dir.StopDiscovery()
	c.JSON(http.StatusOK, discoveryStateResp{Running: false})
}

func (s *Server) handleDiscoveryScan(c *gin.Context) {
	s.dir.ScanOnce(c.Request.Context())
	c.JSON(http.StatusOK, s.dir.Discovered())
}

func (s *Server) handleDiscovered(c *gin.Context) {
	c.JSON(http.StatusOK, s.dir.Discovered())
}

// PromoteRequest names a discovered address to register and connect.
type PromoteRequest struct {
	Address string `json:"address" binding:"required"`
}

func (s *Server) handleDiscoveryPromote(c *gin.Context) {
	var req PromoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	rec, err := s.dir.PromoteDiscovered(c.Request.Context(), req.Address)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
