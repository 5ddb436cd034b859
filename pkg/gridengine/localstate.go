package gridengine

import (
	"sync"

	"github.com/sudorandom/world-grid/pkg/utils"
)

// Keys of the per-viewer local state.
const (
	LocalMessageID    = "msg_id"
	LocalName         = "name"
	LocalSpecialTitle = "special_title"
)

// LocalState keeps small per-viewer values: the id of their own message, their last used
// name and any unlocked title. Without a DiskKV it lives in memory.
type LocalState struct {
	kv *utils.DiskKV

	mu  sync.Mutex
	mem map[string]string
}

func NewLocalState(kv *utils.DiskKV) *LocalState {
	return &LocalState{kv: kv, mem: make(map[string]string)}
}

func localKey(viewer, key string) string {
	if viewer == "" {
		viewer = "guest"
	}
	return "local/" + viewer + "/" + key
}

// Get returns "" for unset keys.
func (l *LocalState) Get(viewer, key string) (string, error) {
	k := localKey(viewer, key)
	if l.kv == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.mem[k], nil
	}
	b, err := l.kv.Get(k)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (l *LocalState) Set(viewer, key, value string) error {
	k := localKey(viewer, key)
	if l.kv == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.mem[k] = value
		return nil
	}
	return l.kv.Set(k, []byte(value))
}

func (l *LocalState) Delete(viewer, key string) error {
	k := localKey(viewer, key)
	if l.kv == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.mem, k)
		return nil
	}
	return l.kv.Delete(k)
}

// All returns every stored value of one viewer.
func (l *LocalState) All(viewer string) (map[string]string, error) {
	prefix := localKey(viewer, "")
	out := make(map[string]string)
	if l.kv == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		for k, v := range l.mem {
			if len(k) > len(prefix) && k[:len(prefix)] == prefix {
				out[k[len(prefix):]] = v
			}
		}
		return out, nil
	}
	err := l.kv.ForEachPrefix(prefix, func(k string, v []byte) error {
		out[k[len(prefix):]] = string(v)
		return nil
	})
	return out, err
}
