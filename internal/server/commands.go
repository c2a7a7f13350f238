package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fleetr/internal/directory"
)

// commandResp carries the command even when issuing failed, so callers can
// see the recorded failure.
type commandResp struct {
	Error   string             `json:"error,omitempty"`
	Command *directory.Command `json:"command,omitempty"`
}

// respondCommand writes an issued command. A sent command answers 202 unless
// the caller asked to wait and the result arrived in time.
func (s *Server) respondCommand(c *gin.Context, cmd directory.Command, err error, wait time.Duration) {
	if err != nil {
		resp := commandResp{Error: err.Error()}
		if cmd.ID != "" {
			resp.Command = &cmd
		}
		c.JSON(statusFor(err), resp)
		return
	}
	if cmd.Status == directory.CommandSent && wait > 0 {
		cmd = s.await(c, cmd, wait)
	}
	code := http.StatusOK
	if cmd.Status == directory.CommandSent {
		code = http.StatusAccepted
	}
	c.JSON(code, cmd)
}

func (s *Server) await(c *gin.Context, cmd directory.Command, wait time.Duration) directory.Command {
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	done, err := s.dir.Await(ctx, cmd.ID)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			s.logger.Warn("await command failed", "command", cmd.ID, "error", err)
		}
		if latest, gerr := s.dir.GetCommand(cmd.ID); gerr == nil {
			return latest
		}
		return cmd
	}
	return done
}

func (s *Server) handleListCommands(c *gin.Context) {
	c.JSON(http.StatusOK, s.dir.ListCommands(c.Query("host")))
}

func (s *Server) handleGetCommand(c *gin.Context) {
	wait, ok := waitParam(c, MaxWait)
	if !ok {
		return
	}
	cmd, err := s.dir.GetCommand(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if cmd.Status == directory.CommandSent && wait > 0 {
		cmd = s.await(c, cmd, wait)
	}
	c.JSON(http.StatusOK, cmd)
}
