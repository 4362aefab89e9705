package brand

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	b := Get()
	assert.NotEmpty(t, b.Name)
	assert.Equal(t, "portcullis", LowerName)
	assert.NotEmpty(t, Version)
}

func TestChain(t *testing.T) {
	assert.Equal(t, "PORTCULLIS-HOSTPORT-DNAT", Chain("HOSTPORT-DNAT"))
}

func TestGetDirectories(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_PREFIX", "")

	assert.Equal(t, DefaultStateDir, GetStateDir())
	assert.Equal(t, DefaultConfigDir, GetConfigDir())

	t.Setenv(ConfigEnvPrefix+"_PREFIX", "/opt/pc")
	assert.Equal(t, filepath.Join("/opt/pc", "state"), GetStateDir())
	assert.Equal(t, filepath.Join("/opt/pc", "config", ConfigFileName), DefaultConfigPath())

	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "/tmp/explicit")
	assert.Equal(t, "/tmp/explicit", GetStateDir())
}
