package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fleetr/internal/directory"
)

func (s *Server) handleRegisterHost(c *gin.Context) {
	var desc directory.Descriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	rec, err := s.dir.RegisterHost(desc)
	if err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info("host registered over API", "host", rec.ID, "name", rec.Name)
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleListHosts(c *gin.Context) {
	c.JSON(http.StatusOK, s.dir.ListHosts())
}

func (s *Server) handleOnlineHosts(c *gin.Context) {
	c.JSON(http.StatusOK, s.dir.OnlineHosts())
}

func (s *Server) handleGetHost(c *gin.Context) {
	rec, err := s.dir.GetHost(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleRemoveHost(c *gin.Context) {
	if err := s.dir.RemoveHost(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (s *Server) handleConnectHost(c *gin.Context) {
	if err := s.dir.ConnectHost(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (s *Server) handleDisconnectHost(c *gin.Context) {
	if err := s.dir.DisconnectHost(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (s *Server) handleWorkerAction(c *gin.Context) {
	wait, ok := waitParam(c, MaxWait)
	if !ok {
		return
	}
	cmd, err := s.dir.WorkerAction(c.Request.Context(), c.Param("id"), c.Param("name"), c.Param("action"))
	s.respondCommand(c, cmd, err, wait)
}

// IssueRequest is the body of POST /hosts/:id/commands.
type IssueRequest struct {
	Type   string          `json:"type" binding:"required"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (s *Server) handleIssueCommand(c *gin.Context) {
	wait, ok := waitParam(c, MaxWait)
	if !ok {
		return
	}
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	cmd, err := s.dir.IssueCommand(c.Request.Context(), c.Param("id"), req.Type, req.Params)
	s.respondCommand(c, cmd, err, wait)
}
