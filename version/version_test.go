package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionCarriesSemVer(t *testing.T) {
	assert.True(t, strings.HasPrefix(Version, SilksyncSemVer))
}

func TestProtocolUint64(t *testing.T) {
	assert.Equal(t, uint64(7), Protocol(7).Uint64())
	assert.Equal(t, SyncProtocol.Uint64(), uint64(SyncProtocol))
}
