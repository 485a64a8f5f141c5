// Copyright 2025 The shellybridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/shellybridge/pkg/auth"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":1883", cfg.Broker.Listen)
	assert.False(t, cfg.Broker.Auth.Enabled)
	assert.Equal(t, "open", cfg.Broker.Directory.Backend)
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeTemp(t, "bridge.yaml", `
broker:
  listen: ":2883"
  metrics_port: ":9090"
  auth:
    enabled: true
    users:
      - username: shelly
        password: secret
        algorithm: plain
        enabled: true
  directory:
    backend: memory
    devices:
      - "SHPLG-S#ABCDEF#1"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":2883", cfg.Broker.Listen)
	assert.True(t, cfg.Broker.Auth.Enabled)
	require.Len(t, cfg.Broker.Auth.Users, 1)
	assert.Equal(t, "shelly", cfg.Broker.Auth.Users[0].Username)
	assert.Equal(t, []string{"SHPLG-S#ABCDEF#1"}, cfg.Broker.Directory.Devices)
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeTemp(t, "bridge.json", `{
  "broker": {
    "listen": ":2884",
    "auth": {"enabled": false},
    "directory": {"backend": "open"}
  }
}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":2884", cfg.Broker.Listen)
}

func TestLoadConfigUnsupportedExtension(t *testing.T) {
	path := writeTemp(t, "bridge.toml", "broker = {}")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	path := writeTemp(t, "bridge.yaml", `
broker:
  listen: ":1883"
  directory:
    backend: postgres
`)
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "dsn")
}

func TestValidateAuthEnabledWithoutUsers(t *testing.T) {
	path := writeTemp(t, "bridge.yaml", `
broker:
  listen: ":1883"
  auth:
    enabled: true
`)
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "no users")
}

func TestValidateUnknownAlgorithm(t *testing.T) {
	path := writeTemp(t, "bridge.yaml", `
broker:
  listen: ":1883"
  auth:
    enabled: true
    users:
      - username: shelly
        password: secret
        algorithm: rot13
        enabled: true
`)
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "unsupported algorithm")
}

func TestBuildAuthChain(t *testing.T) {
	chain, err := BuildAuthChain(AuthConfig{
		Enabled: true,
		Users: []UserConfig{
			{Username: "shelly", Password: "secret", Algorithm: "plain", Enabled: true},
			{Username: "ignored", Password: "secret", Algorithm: "plain", Enabled: false},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, auth.AuthSuccess, chain.Authenticate("shelly", "secret"))
	assert.Equal(t, auth.AuthFailure, chain.Authenticate("shelly", "wrong"))
	assert.Equal(t, auth.AuthFailure, chain.Authenticate("ignored", "secret"))
}

func TestBuildAuthChainDisabled(t *testing.T) {
	chain, err := BuildAuthChain(AuthConfig{Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, auth.AuthIgnore, chain.Authenticate("anyone", "anything"))
}
