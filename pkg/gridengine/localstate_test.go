package gridengine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudorandom/world-grid/pkg/utils"
)

func TestLocalState(t *testing.T) {
	kv, err := utils.OpenDiskKV(filepath.Join(t.TempDir(), "local"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	for name, l := range map[string]*LocalState{"memory": NewLocalState(nil), "disk": NewLocalState(kv)} {
		t.Run(name, func(t *testing.T) {
			got, err := l.Get("alice", LocalName)
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, l.Set("alice", LocalName, "[RED]Alice"))
			require.NoError(t, l.Set("alice", LocalMessageID, "m1"))
			require.NoError(t, l.Set("", LocalSpecialTitle, "HACKER"))

			got, err = l.Get("alice", LocalName)
			require.NoError(t, err)
			assert.Equal(t, "[RED]Alice", got)

			all, err := l.All("alice")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{LocalName: "[RED]Alice", LocalMessageID: "m1"}, all)

			guest, err := l.All("guest")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{LocalSpecialTitle: "HACKER"}, guest)

			require.NoError(t, l.Delete("alice", LocalMessageID))
			got, err = l.Get("alice", LocalMessageID)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}
