package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fleetr/internal/installer"
)

func (s *Server) handleInstallScript(c *gin.Context) {
	kind := installer.Kind(c.Param("kind"))
	script, err := installer.Generate(kind, installer.Params{
		OrchestratorURL: s.install.OrchestratorURL,
		Token:           s.install.Token,
		DownloadURL:     s.install.DownloadURL,
		HostName:        c.Query("name"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=install-fleetr-agent.%s", kind))
	c.Data(http.StatusOK, installer.ContentType(kind), script)
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}
