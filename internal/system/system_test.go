package system

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOSRelease(t *testing.T) {
	data := []byte(`NAME="Ubuntu"
ID=ubuntu
VERSION_ID="22.04"
PRETTY_NAME="Ubuntu 22.04.4 LTS"
not a key value line
`)
	details := parseOSRelease(data)
	assert.Equal(t, "ubuntu", details.Name)
	assert.Equal(t, "22.04", details.Version)
}

func TestParseOSReleaseEmpty(t *testing.T) {
	details := parseOSRelease(nil)
	assert.Empty(t, details.Name)
	assert.Empty(t, details.Version)
}
