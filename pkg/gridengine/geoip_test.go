package gridengine

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeoIPRejectsInvalidDatabase(t *testing.T) {
	_, err := GeoIPFromBytes([]byte("not a maxmind database"))
	require.Error(t, err)

	_, err = OpenGeoIP(filepath.Join(t.TempDir(), "missing.mmdb"))
	require.Error(t, err)
}

func TestNilGeoIPLocatesNothing(t *testing.T) {
	var g *GeoIP
	_, ok := g.Locate(net.ParseIP("203.0.113.7"))
	assert.False(t, ok)
	assert.NoError(t, g.Close())

	_, ok = (&GeoIP{}).Locate(nil)
	assert.False(t, ok)
}
