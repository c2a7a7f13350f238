package tls

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetr/internal/config"
)

func TestServerConfigDisabled(t *testing.T) {
	cfg, err := ServerConfig(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestServerConfigAutoGenerate(t *testing.T) {
	dir := t.TempDir()
	srvCfg, err := ServerConfig(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	require.NotNil(t, srvCfg)
	assert.FileExists(t, filepath.Join(dir, tlsCrt))
	assert.FileExists(t, filepath.Join(dir, tlsKey))
	assert.FileExists(t, filepath.Join(dir, tlsCaCrt))

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv.TLS = srvCfg
	srv.StartTLS()
	defer srv.Close()

	clientCfg, err := ClientConfig(filepath.Join(dir, tlsCaCrt), false)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}
	// certificate is issued for localhost and 127.0.0.1
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerConfigErrors(t *testing.T) {
	_, err := ServerConfig(config.TLSConfig{Enabled: true})
	assert.Error(t, err)

	_, err = ServerConfig(config.TLSConfig{Enabled: true, Dir: t.TempDir()})
	assert.ErrorContains(t, err, "auto_generate")

	_, err = ServerConfig(config.TLSConfig{Enabled: true, CertFile: "/nope.crt", KeyFile: "/nope.key"})
	assert.Error(t, err)

	_, err = ServerConfig(config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.1"})
	assert.ErrorContains(t, err, "min_version")
}

func TestClientConfig(t *testing.T) {
	cfg, err := ClientConfig("", false)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = ClientConfig("", true)
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = ClientConfig(filepath.Join(t.TempDir(), "missing.pem"), false)
	assert.Error(t, err)
}

func TestParseTLSVersion(t *testing.T) {
	v, ok := parseTLSVersion("TLS1.3")
	assert.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS13), v)
	_, ok = parseTLSVersion("")
	assert.False(t, ok)
}
