// Package state holds the live device registry, fed by app/state presence
// pushes from the fleet server.
package state

import (
	"sort"
	"sync"
	"time"
)

// SeenDevice is one fleet device as last reported by an app/state push.
type SeenDevice struct {
	Name     string         `json:"name,omitempty"`
	System   map[string]any `json:"system,omitempty"`
	ScreenW  int            `json:"screen_w,omitempty"`
	ScreenH  int            `json:"screen_h,omitempty"`
	LastSeen time.Time      `json:"last_seen"`
}

// DeviceEvent notifies subscribers of registry changes.
type DeviceEvent struct {
	Type   string      `json:"type"` // "update" | "remove"
	UDID   string      `json:"udid"`
	Device *SeenDevice `json:"device,omitempty"`
}

// DeviceTable is the in-memory registry of devices currently known to the
// fleet server.
type DeviceTable struct {
	mu        sync.Mutex
	devices   map[string]SeenDevice
	listeners []chan DeviceEvent
}

func NewDeviceTable() *DeviceTable {
	return &DeviceTable{
		devices:   map[string]SeenDevice{},
		listeners: make([]chan DeviceEvent, 0),
	}
}

// Upsert records a device's latest reported state. The system map is the
// raw app/state body; name and screen dimensions are extracted when present.
func (t *DeviceTable) Upsert(udid string, system map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dev := SeenDevice{
		System:   system,
		LastSeen: time.Now(),
	}
	if name, ok := system["name"].(string); ok {
		dev.Name = name
	}
	if w, ok := system["screenWidth"].(float64); ok {
		dev.ScreenW = int(w)
	}
	if h, ok := system["screenHeight"].(float64); ok {
		dev.ScreenH = int(h)
	}

	t.devices[udid] = dev
	t.notifyListeners(DeviceEvent{Type: "update", UDID: udid, Device: &dev})
}

// Remove drops a device from the registry, typically on device/disconnect.
func (t *DeviceTable) Remove(udid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[udid]; !ok {
		return
	}
	delete(t.devices, udid)
	t.notifyListeners(DeviceEvent{Type: "remove", UDID: udid})
}

func (t *DeviceTable) Get(udid string) (SeenDevice, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[udid]
	return d, ok
}

// Has reports whether the device is currently registered.
func (t *DeviceTable) Has(udid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.devices[udid]
	return ok
}

// IDs returns all known udids, sorted for stable iteration.
func (t *DeviceTable) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.devices))
	for id := range t.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *DeviceTable) Snapshot() map[string]SeenDevice {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]SeenDevice, len(t.devices))
	for k, v := range t.devices {
		cp[k] = v
	}
	return cp
}

func (t *DeviceTable) Subscribe() chan DeviceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan DeviceEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *DeviceTable) Unsubscribe(ch chan DeviceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *DeviceTable) notifyListeners(evt DeviceEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
