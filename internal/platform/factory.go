package platform

import (
	"encoding/json"
	"fmt"
	"sync"
)

var (
	factoryMu sync.RWMutex
	factories = map[string]ClientFactory{
		"loopback": loopbackFactory,
	}
)

// RegisterFactory installs a platform driver under a name. The real
// messaging transport registers itself here; the built-in loopback driver
// serves local runs and tests.
func RegisterFactory(name string, f ClientFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = f
}

// FactoryFor returns the registered factory for a driver name.
func FactoryFor(name string) (ClientFactory, error) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform driver %q", name)
	}
	return f, nil
}

// loopbackFactory builds the in-memory client. Credentials carry only the
// identity to act as.
func loopbackFactory(credentials []byte) (Client, error) {
	var creds struct {
		SelfID     string `json:"self_id"`
		SelfHandle string `json:"self_handle"`
	}
	if len(credentials) > 0 {
		if err := json.Unmarshal(credentials, &creds); err != nil {
			return nil, fmt.Errorf("decoding loopback credentials: %w", err)
		}
	}
	if creds.SelfID == "" {
		creds.SelfID = "loopback"
	}
	return NewFakeClient(TargetRef{ID: creds.SelfID, Handle: creds.SelfHandle}), nil
}
