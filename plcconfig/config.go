// Package plcconfig is a YAML-backed gateway list: the attribute source
// plcd's daemon loop feeds into Registry.GetOrCreate for each configured
// PLC. Package plc itself never depends on this — it only consumes the
// Attrs interface, which MapAttrs and GatewayConfig.Attrs both satisfy.
package plcconfig

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"plcconn/plc"
)

// ListenerID identifies a registered change listener, for removal.
type ListenerID string

// GatewayConfig describes one PLC to connect to.
type GatewayConfig struct {
	Name          string            `yaml:"name"`
	Family        string            `yaml:"family"`
	Gateway       string            `yaml:"gateway"`
	Path          string            `yaml:"path,omitempty"`
	IdleTimeoutMS int               `yaml:"idle_timeout_ms,omitempty"`
	BufferSize    int               `yaml:"buffer_size,omitempty"`
	Extra         map[string]string `yaml:"attrs,omitempty"`
}

// Attrs adapts a GatewayConfig into the plc.Attrs a family constructor
// consumes, folding in the well-known gateway/path/idle_timeout_ms keys
// alongside any family-specific extras.
func (g GatewayConfig) Attrs() plc.Attrs {
	m := make(plc.MapAttrs, len(g.Extra)+3)
	for k, v := range g.Extra {
		m[k] = v
	}
	m["gateway"] = g.Gateway
	m["path"] = g.Path
	if g.IdleTimeoutMS > 0 {
		m["idle_timeout_ms"] = fmt.Sprintf("%d", g.IdleTimeoutMS)
	}
	return m
}

// GatewayList is the top-level document: every PLC a daemon should keep
// connected.
type GatewayList struct {
	Gateways []GatewayConfig `yaml:"gateways"`

	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex          `yaml:"-"`
	listenerCounter uint64                `yaml:"-"`
}

// Load reads a gateway list from a YAML file. A missing file is not an
// error: it yields an empty list so a fresh daemon can start and be
// populated later.
func Load(path string) (*GatewayList, error) {
	list := &GatewayList{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return list, nil
		}
		return nil, fmt.Errorf("plcconfig: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, list); err != nil {
		return nil, fmt.Errorf("plcconfig: parse %s: %w", path, err)
	}
	return list, nil
}

// AddOnChangeListener registers cb to run (in its own goroutine) whenever
// Save/UnlockAndSave commits a change.
func (l *GatewayList) AddOnChangeListener(cb func()) ListenerID {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	if l.changeListeners == nil {
		l.changeListeners = make(map[ListenerID]func())
	}
	id := ListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&l.listenerCounter, 1)))
	l.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener unregisters a listener added by AddOnChangeListener.
func (l *GatewayList) RemoveOnChangeListener(id ListenerID) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	delete(l.changeListeners, id)
}

func (l *GatewayList) notifyChangeListeners() {
	l.listenersMu.RLock()
	cbs := make([]func(), 0, len(l.changeListeners))
	for _, cb := range l.changeListeners {
		cbs = append(cbs, cb)
	}
	l.listenersMu.RUnlock()
	for _, cb := range cbs {
		go cb()
	}
}

// Lock acquires the list's data mutex for exclusive access before
// modifying Gateways directly.
func (l *GatewayList) Lock() { l.dataMu.Lock() }

// Unlock releases the data mutex without saving.
func (l *GatewayList) Unlock() { l.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies listeners.
func (l *GatewayList) Save(path string) error {
	l.dataMu.Lock()
	return l.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies
// listeners. The caller must already hold the lock via Lock.
func (l *GatewayList) UnlockAndSave(path string) error {
	return l.saveLocked(path)
}

func (l *GatewayList) saveLocked(path string) error {
	data, err := yaml.Marshal(l)
	l.dataMu.Unlock()
	if err != nil {
		return fmt.Errorf("plcconfig: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("plcconfig: write %s: %w", path, err)
	}
	l.notifyChangeListeners()
	return nil
}
