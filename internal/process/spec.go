package process

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/loykin/fleetr/internal/logger"
)

var (
	ErrEmptyName    = errors.New("worker name is required")
	ErrInvalidName  = errors.New("worker name may only contain letters, digits, '.', '_' and '-'")
	ErrEmptyCommand = errors.New("worker command is required")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Spec is the launch description of one worker ("MCP server").
type Spec struct {
	Name      string        `json:"name" mapstructure:"name"`
	Command   string        `json:"command" mapstructure:"command"`
	Args      []string      `json:"args,omitempty" mapstructure:"args"`
	Env       []string      `json:"env,omitempty" mapstructure:"env"`
	WorkDir   string        `json:"work_dir,omitempty" mapstructure:"work_dir"`
	AutoStart bool          `json:"autostart" mapstructure:"autostart"`
	Log       logger.Config `json:"log,omitempty" mapstructure:"log"`
}

func (s Spec) Validate() error {
	if s.Name == "" {
		return ErrEmptyName
	}
	if !validName.MatchString(s.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return ErrEmptyCommand
	}
	return nil
}

// BuildCommand constructs the *exec.Cmd for the spec. Explicit Args are
// passed verbatim. A bare command line containing shell metacharacters runs
// under /bin/sh -c, otherwise it is split on whitespace.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(cmdStr, s.Args...)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}
