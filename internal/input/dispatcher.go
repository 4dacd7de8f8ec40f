// Package input routes operator gestures to the right devices over the
// right channel: the control device gets events on its direct low-latency
// channel when one exists, the message channel otherwise, and sync mode
// additionally mirrors events to the other selected devices.
package input

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/metrics"
	"github.com/fleetlink/fleetlink/internal/proto"
)

// ErrNoControlDevice is returned when an event arrives with no device in
// control.
var ErrNoControlDevice = errors.New("input: no control device")

// ErrClipboardSyncRead is returned for clipboard reads while sync is
// enabled; there is no single device to read from.
var ErrClipboardSyncRead = errors.New("input: clipboard read is ambiguous while sync is enabled")

// DirectSender is a device's low-latency input channel, present only while
// a streaming session is connected.
type DirectSender interface {
	SendPointerEvent(phase string, nx, ny float64) error
	SendKeyEvent(name, action string) error
}

// Broadcaster delivers input over the message channel. The mq Manager
// satisfies this.
type Broadcaster interface {
	BroadcastPointer(devices []string, phase string, nx, ny float64) error
	BroadcastKey(devices []string, name string) error
	DeviceCommand(devices []string, cmdType string) error
	ReadClipboard(devices []string) error
	WriteClipboard(devices []string, typeTag, data string) error
}

// TouchPoint is the last known normalized position of the active gesture.
type TouchPoint struct {
	X, Y float64
}

// Dispatcher fans input out according to the current control device,
// selection and sync flag, all read live through accessor funcs so the
// session owner stays the single source of truth.
type Dispatcher struct {
	bc  Broadcaster
	log zerolog.Logger

	control  func() string
	selected func() []string
	sync     func() bool

	mu     sync.Mutex
	direct DirectSender
	touch  *TouchPoint
}

// New creates a dispatcher. control returns the device currently in
// control (empty when none), selected the full open set, sync the mirror
// flag.
func New(bc Broadcaster, control func() string, selected func() []string, sync func() bool, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		bc:       bc,
		log:      logger.With().Str("component", "input").Logger(),
		control:  control,
		selected: selected,
		sync:     sync,
	}
}

// SetDirect installs or clears (nil) the control device's direct channel.
func (d *Dispatcher) SetDirect(s DirectSender) {
	d.mu.Lock()
	d.direct = s
	d.mu.Unlock()
}

// others returns the selected devices minus the control device.
func (d *Dispatcher) others(control string) []string {
	var out []string
	for _, dev := range d.selected() {
		if dev != control {
			out = append(out, dev)
		}
	}
	return out
}

// DispatchPointer routes one pointer event. phase is "down", "move" or
// "up"; nx, ny are normalized content coordinates. The gesture's touch
// point is tracked across down/move and cleared on up.
func (d *Dispatcher) DispatchPointer(phase string, nx, ny float64) error {
	control := d.control()
	if control == "" {
		return ErrNoControlDevice
	}

	d.mu.Lock()
	direct := d.direct
	switch phase {
	case "up":
		d.touch = nil
	default:
		d.touch = &TouchPoint{X: nx, Y: ny}
	}
	d.mu.Unlock()

	if direct != nil {
		if err := direct.SendPointerEvent(phase, nx, ny); err != nil {
			return err
		}
		metrics.InputDispatchesTotal.WithLabelValues("direct").Inc()
	} else {
		if err := d.bc.BroadcastPointer([]string{control}, phase, nx, ny); err != nil {
			return err
		}
		metrics.InputDispatchesTotal.WithLabelValues("message").Inc()
	}

	if d.sync() {
		if rest := d.others(control); len(rest) > 0 {
			if err := d.bc.BroadcastPointer(rest, phase, nx, ny); err != nil {
				return err
			}
			metrics.InputDispatchesTotal.WithLabelValues("message").Inc()
		}
	}
	return nil
}

// DispatchKey routes one key event. The direct channel carries the action
// (down/up); the message channel key command implies a full press.
func (d *Dispatcher) DispatchKey(name, action string) error {
	control := d.control()
	if control == "" {
		return ErrNoControlDevice
	}

	d.mu.Lock()
	direct := d.direct
	d.mu.Unlock()

	if direct != nil {
		if err := direct.SendKeyEvent(name, action); err != nil {
			return err
		}
		metrics.InputDispatchesTotal.WithLabelValues("direct").Inc()
	} else {
		if err := d.bc.BroadcastKey([]string{control}, name); err != nil {
			return err
		}
		metrics.InputDispatchesTotal.WithLabelValues("message").Inc()
	}

	if d.sync() {
		if rest := d.others(control); len(rest) > 0 {
			if err := d.bc.BroadcastKey(rest, name); err != nil {
				return err
			}
			metrics.InputDispatchesTotal.WithLabelValues("message").Inc()
		}
	}
	return nil
}

// Command sends a body-less device command (home, lock, volume, ...) to
// the control device, mirrored to the rest of the selection under sync.
func (d *Dispatcher) Command(cmdType string) error {
	control := d.control()
	if control == "" {
		return ErrNoControlDevice
	}
	if err := d.bc.DeviceCommand([]string{control}, cmdType); err != nil {
		return err
	}
	metrics.InputDispatchesTotal.WithLabelValues("message").Inc()
	if d.sync() {
		if rest := d.others(control); len(rest) > 0 {
			if err := d.bc.DeviceCommand(rest, cmdType); err != nil {
				return err
			}
			metrics.InputDispatchesTotal.WithLabelValues("message").Inc()
		}
	}
	return nil
}

// Home taps the home control on the target devices.
func (d *Dispatcher) Home() error {
	return d.Command(proto.CmdHome)
}

// ReadClipboard requests the control device's pasteboard. Refused under
// sync.
func (d *Dispatcher) ReadClipboard() error {
	if d.sync() {
		return ErrClipboardSyncRead
	}
	control := d.control()
	if control == "" {
		return ErrNoControlDevice
	}
	return d.bc.ReadClipboard([]string{control})
}

// WriteClipboard sets the pasteboard on the control device, or on every
// selected device under sync.
func (d *Dispatcher) WriteClipboard(typeTag, data string) error {
	if d.sync() {
		devices := d.selected()
		if len(devices) == 0 {
			return ErrNoControlDevice
		}
		return d.bc.WriteClipboard(devices, typeTag, data)
	}
	control := d.control()
	if control == "" {
		return ErrNoControlDevice
	}
	return d.bc.WriteClipboard([]string{control}, typeTag, data)
}

// Touch reports the tracked gesture position, if a gesture is in flight.
func (d *Dispatcher) Touch() (TouchPoint, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.touch == nil {
		return TouchPoint{}, false
	}
	return *d.touch, true
}

// ClearTouch drops the tracked gesture, used on device switch and session
// close.
func (d *Dispatcher) ClearTouch() {
	d.mu.Lock()
	d.touch = nil
	d.mu.Unlock()
}
