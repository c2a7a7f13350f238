// Package installer renders bootstrap scripts that write an agent config
// pointing at this orchestrator. Service registration is left to the operator.
package installer

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/template"
)

// Kind is the script flavour.
type Kind string

const (
	KindShell      Kind = "sh"
	KindPowerShell Kind = "ps1"
)

var ErrUnknownKind = errors.New("unknown script kind")

// Params are embedded into the script.
type Params struct {
	// OrchestratorURL is the agent WebSocket endpoint (ws:// or wss://).
	OrchestratorURL string
	Token           string
	// DownloadURL, when set, is fetched if fleetr-agent is not installed.
	DownloadURL string
	// HostName overrides the agent's reported name; empty uses the OS hostname.
	HostName string
}

func (p Params) validate() error {
	u, err := url.Parse(p.OrchestratorURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("orchestrator url must be ws:// or wss://, got %q", p.OrchestratorURL)
	}
	if p.Token == "" {
		return errors.New("token is required")
	}
	return nil
}

// Generate renders the script for kind.
func Generate(kind Kind, p Params) ([]byte, error) {
	var tpl *template.Template
	switch kind {
	case KindShell:
		tpl = shellTemplate
	case KindPowerShell:
		tpl = powerShellTemplate
	default:
		return nil, fmt.Errorf("%w: %s (supported: sh, ps1)", ErrUnknownKind, kind)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("render %s script: %w", kind, err)
	}
	return buf.Bytes(), nil
}

// ContentType is the HTTP content type served for kind.
func ContentType(kind Kind) string {
	if kind == KindPowerShell {
		return "text/plain; charset=utf-8"
	}
	return "text/x-shellscript; charset=utf-8"
}

// Supported lists the known kinds.
func Supported() []Kind {
	return []Kind{KindShell, KindPowerShell}
}

// WebSocketURL derives the agent endpoint from an HTTP(S) base URL.
func WebSocketURL(publicURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(publicURL, "/"))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid public url %q", publicURL)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path += "/ws"
	}
	return u.String(), nil
}

// shQuote single-quotes s for POSIX shells.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// psQuote single-quotes s for PowerShell.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// tomlQuote renders s as a TOML basic string.
func tomlQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

var funcs = template.FuncMap{"sh": shQuote, "ps": psQuote, "toml": tomlQuote}

var shellTemplate = template.Must(template.New("sh").Funcs(funcs).Parse(`#!/bin/sh
# fleetr agent bootstrap
set -eu

CONFIG_DIR="${FLEETR_CONFIG_DIR:-$HOME/.config/fleetr}"
CONFIG_FILE="$CONFIG_DIR/agent.toml"
{{- if .DownloadURL}}
DOWNLOAD_URL={{sh .DownloadURL}}
{{- end}}

mkdir -p "$CONFIG_DIR"
umask 077
cat > "$CONFIG_FILE" <<'FLEETR_EOF'
[orchestrator]
url = {{toml .OrchestratorURL}}
token = {{toml .Token}}
auto_connect = true

[host]
name = {{toml .HostName}}
FLEETR_EOF

if ! command -v fleetr-agent >/dev/null 2>&1; then
{{- if .DownloadURL}}
  BIN_DIR="${FLEETR_BIN_DIR:-$HOME/.local/bin}"
  mkdir -p "$BIN_DIR"
  if command -v curl >/dev/null 2>&1; then
    curl -fsSL "$DOWNLOAD_URL" -o "$BIN_DIR/fleetr-agent"
  else
    wget -qO "$BIN_DIR/fleetr-agent" "$DOWNLOAD_URL"
  fi
  chmod 0755 "$BIN_DIR/fleetr-agent"
  echo "installed fleetr-agent to $BIN_DIR"
{{- else}}
  echo "fleetr-agent not found on PATH; install it before starting" >&2
{{- end}}
fi

echo "wrote $CONFIG_FILE"
echo "start the agent with: fleetr-agent start --config $CONFIG_FILE"
`))

var powerShellTemplate = template.Must(template.New("ps1").Funcs(funcs).Parse(`# fleetr agent bootstrap
$ErrorActionPreference = 'Stop'

$ConfigDir = if ($env:FLEETR_CONFIG_DIR) { $env:FLEETR_CONFIG_DIR } else { Join-Path $env:APPDATA 'fleetr' }
$ConfigFile = Join-Path $ConfigDir 'agent.toml'
New-Item -ItemType Directory -Force -Path $ConfigDir | Out-Null

$Config = @(
  '[orchestrator]',
  ('url = ' + {{ps (toml .OrchestratorURL)}}),
  ('token = ' + {{ps (toml .Token)}}),
  'auto_connect = true',
  '',
  '[host]',
  ('name = ' + {{ps (toml .HostName)}})
)
Set-Content -Path $ConfigFile -Value $Config -Encoding UTF8

if (-not (Get-Command fleetr-agent -ErrorAction SilentlyContinue)) {
{{- if .DownloadURL}}
  $BinDir = Join-Path $env:LOCALAPPDATA 'fleetr\bin'
  New-Item -ItemType Directory -Force -Path $BinDir | Out-Null
  Invoke-WebRequest -UseBasicParsing -Uri {{ps .DownloadURL}} -OutFile (Join-Path $BinDir 'fleetr-agent.exe')
  Write-Host "installed fleetr-agent to $BinDir"
{{- else}}
  Write-Warning 'fleetr-agent not found on PATH; install it before starting'
{{- end}}
}

Write-Host "wrote $ConfigFile"
Write-Host "start the agent with: fleetr-agent start --config $ConfigFile"
`))
