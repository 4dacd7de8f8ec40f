// Package session owns the control session: the open device set, the
// control device, the sync flag and the transport mode, and drives the
// polling pipeline or streaming controller for whichever device is in
// control.
package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/capture"
	"github.com/fleetlink/fleetlink/internal/congestion"
	"github.com/fleetlink/fleetlink/internal/coords"
	"github.com/fleetlink/fleetlink/internal/input"
	"github.com/fleetlink/fleetlink/internal/proto"
	"github.com/fleetlink/fleetlink/internal/state"
	"github.com/fleetlink/fleetlink/internal/stream"
	"github.com/fleetlink/fleetlink/internal/util"
)

// Mode selects how frames reach the operator.
type Mode int

const (
	ModePolling Mode = iota
	ModeStreaming
)

func (m Mode) String() string {
	switch m {
	case ModePolling:
		return "polling"
	case ModeStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Status is the session's externally visible activity state.
type Status int

const (
	StatusIdle Status = iota
	StatusCapturing
	StatusConnecting
	StatusStreaming
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCapturing:
		return "capturing"
	case StatusConnecting:
		return "connecting"
	case StatusStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

var (
	ErrClosed           = errors.New("session: closed")
	ErrNoDeviceSelected = errors.New("session: no device selected")
	ErrUnknownDevice    = errors.New("session: device not in open set")
	ErrStreamBusy       = errors.New("session: streaming session active, stop it first")
)

// Settings seeds the adjustable knobs. FrameRate and Scale drive polling,
// Stream drives low-latency sessions.
type Settings struct {
	FrameRate int
	Scale     float64
	Stream    stream.Options
}

// MessageBus is the inbound half of the message channel.
type MessageBus interface {
	Subscribe(pred func(*proto.Message) bool) (<-chan *proto.Message, func())
}

// Engine is the aggregate root. All mutations go through it; the pipeline,
// streaming controller and dispatcher read session state live through
// accessor funcs, so a device switch retargets them without re-plumbing.
//
// Lock discipline: component methods are never called while holding mu.
// The components call back into the accessors, which take mu themselves.
type Engine struct {
	bus   MessageBus
	table *state.DeviceTable
	log   zerolog.Logger

	pipeline   *capture.Pipeline
	stream     *stream.Controller
	dispatcher *input.Dispatcher

	mu          sync.Mutex
	open        []string
	control     string
	syncEnabled bool
	mode        Mode
	frameRate   int
	scale       float64
	streamOpts  stream.Options
	closed      bool
	cancels     []func()
	onClipboard func(device, typeTag, data string)
}

// New wires the engine and starts consuming inbound messages. Close
// releases the subscriptions.
func New(bus MessageBus, requester capture.FrameRequester, bc input.Broadcaster,
	transport stream.Transport, table *state.DeviceTable, clock util.Clock,
	settings Settings, logger zerolog.Logger) *Engine {

	e := &Engine{
		bus:        bus,
		table:      table,
		log:        logger.With().Str("component", "session").Logger(),
		frameRate:  settings.FrameRate,
		scale:      settings.Scale,
		streamOpts: settings.Stream,
	}
	if e.frameRate < 1 {
		e.frameRate = 1
	}
	if e.scale <= 0 || e.scale > 1 {
		e.scale = 1
	}

	cc := congestion.New(clock, e.currentFrameRate, logger)
	e.pipeline = capture.New(requester, cc, e.currentControl, e.currentFrameRate, e.currentScale, logger)
	e.stream = stream.NewController(transport, clock, logger)
	e.dispatcher = input.New(bc, e.currentControl, e.currentSelected, e.currentSync, logger)

	e.listen()
	return e
}

func (e *Engine) currentControl() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.control
}

func (e *Engine) currentSelected() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.open))
	copy(out, e.open)
	return out
}

func (e *Engine) currentSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncEnabled
}

func (e *Engine) currentFrameRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frameRate
}

func (e *Engine) currentScale() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scale
}

func (e *Engine) listen() {
	snaps, cancelSnaps := e.bus.Subscribe(func(m *proto.Message) bool {
		return m.Type == proto.TypeSnapshotReply && m.UDID != ""
	})
	presence, cancelPresence := e.bus.Subscribe(func(m *proto.Message) bool {
		return m.Type == proto.TypeControlDevices || m.Type == proto.TypeAppState || m.Type == proto.TypeDisconnect
	})
	clips, cancelClips := e.bus.Subscribe(func(m *proto.Message) bool {
		return m.Type == proto.TypePasteboardReply && m.UDID != ""
	})
	e.mu.Lock()
	e.cancels = append(e.cancels, cancelSnaps, cancelPresence, cancelClips)
	e.mu.Unlock()

	go e.consumeSnapshots(snaps)
	go e.consumePresence(presence)
	go e.consumeClipboard(clips)
}

func (e *Engine) consumeSnapshots(ch <-chan *proto.Message) {
	for msg := range ch {
		// Every reply reaches the pipeline, including undecodable ones:
		// each one drains the congestion budget, so swallowing a reply
		// here would leak a pending slot until the next device switch.
		reply := capture.Reply{Device: msg.UDID, Err: msg.Error}
		if msg.Error == "" {
			var body proto.SnapshotReply
			if err := proto.DecodeBody(msg.Body, &body); err != nil {
				e.log.Debug().Err(err).Str("device", msg.UDID).Msg("malformed snapshot body")
				reply.Err = "malformed snapshot body"
			} else if data, err := base64.StdEncoding.DecodeString(body.Data); err != nil {
				e.log.Debug().Err(err).Str("device", msg.UDID).Msg("undecodable snapshot data")
				reply.Err = "undecodable snapshot data"
			} else {
				reply.Data = data
				reply.Format = body.Format
				reply.Width = body.Width
				reply.Height = body.Height
			}
		}
		e.pipeline.HandleReply(reply)
	}
}

func (e *Engine) consumePresence(ch <-chan *proto.Message) {
	for msg := range ch {
		switch msg.Type {
		case proto.TypeControlDevices:
			var devices map[string]map[string]any
			if err := proto.DecodeBody(msg.Body, &devices); err != nil {
				e.log.Debug().Err(err).Msg("dropping malformed device table")
				continue
			}
			for udid, system := range devices {
				e.table.Upsert(udid, system)
			}
		case proto.TypeAppState:
			if msg.UDID == "" {
				continue
			}
			var system map[string]any
			if err := proto.DecodeBody(msg.Body, &system); err != nil {
				e.log.Debug().Err(err).Str("device", msg.UDID).Msg("dropping malformed state push")
				continue
			}
			e.table.Upsert(msg.UDID, system)
		case proto.TypeDisconnect:
			if msg.UDID == "" {
				continue
			}
			e.table.Remove(msg.UDID)
			e.deviceGone(msg.UDID)
		}
	}
}

func (e *Engine) consumeClipboard(ch <-chan *proto.Message) {
	for msg := range ch {
		if msg.Error != "" {
			e.log.Debug().Str("device", msg.UDID).Str("error", msg.Error).Msg("clipboard read failed")
			continue
		}
		var body proto.PasteboardBody
		if err := proto.DecodeBody(msg.Body, &body); err != nil {
			e.log.Debug().Err(err).Str("device", msg.UDID).Msg("dropping malformed clipboard reply")
			continue
		}
		e.mu.Lock()
		fn := e.onClipboard
		e.mu.Unlock()
		if fn != nil {
			fn(msg.UDID, body.Type, body.Data)
		}
	}
}

// deviceGone drops udid from the open set; if it was in control, control
// fails over to the first remaining device, or the session goes idle.
func (e *Engine) deviceGone(udid string) {
	e.mu.Lock()
	e.open = removeDevice(e.open, udid)
	if e.control != udid {
		e.mu.Unlock()
		return
	}
	next := ""
	if len(e.open) > 0 {
		next = e.open[0]
	}
	e.mu.Unlock()

	e.log.Info().Str("device", udid).Str("next", next).Msg("control device disconnected")
	e.switchControl(next)
}

// switchControl tears current activity down, moves control to next and
// restores the same kind of activity on the new device. Teardown precedes
// the control swap so late replies for the old device cannot land on the
// new one.
func (e *Engine) switchControl(next string) {
	wasCapturing := e.pipeline.Capturing()
	wasStreaming := e.stream.State() != stream.Disconnected

	e.pipeline.Stop()
	e.stream.Stop()
	e.dispatcher.SetDirect(nil)
	e.dispatcher.ClearTouch()

	e.mu.Lock()
	e.control = next
	opts := e.streamOpts
	e.mu.Unlock()

	if next == "" {
		return
	}
	if wasCapturing {
		e.pipeline.Start()
	}
	if wasStreaming {
		if err := e.stream.Start(next, opts); err != nil {
			e.log.Warn().Err(err).Str("device", next).Msg("stream failover failed")
		}
	}
}

// SetDevices replaces the open device set, preserving order and dropping
// duplicates. If the control device falls out of the set, control fails
// over to the first device of the new set (or clears). With no prior
// control the first device is selected.
func (e *Engine) SetDevices(devices []string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	open := make([]string, 0, len(devices))
	seen := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		if _, ok := seen[d]; ok || d == "" {
			continue
		}
		seen[d] = struct{}{}
		open = append(open, d)
	}
	e.open = open

	if _, ok := seen[e.control]; ok {
		e.mu.Unlock()
		return nil
	}
	next := ""
	if len(open) > 0 {
		next = open[0]
	}
	e.mu.Unlock()

	e.switchControl(next)
	return nil
}

// SelectDevice moves control to udid. A live streaming session pins
// control; stop it first. Polling switches freely and retargets the next
// tick.
func (e *Engine) SelectDevice(udid string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !containsDevice(e.open, udid) {
		e.mu.Unlock()
		return ErrUnknownDevice
	}
	if udid == e.control {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if e.stream.State() != stream.Disconnected {
		return ErrStreamBusy
	}
	e.switchControl(udid)
	return nil
}

// Start activates the current mode for the control device.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	control := e.control
	mode := e.mode
	opts := e.streamOpts
	e.mu.Unlock()

	if control == "" {
		return ErrNoDeviceSelected
	}
	switch mode {
	case ModeStreaming:
		return e.stream.Start(control, opts)
	default:
		e.pipeline.Start()
		return nil
	}
}

// Stop deactivates polling and streaming and clears gesture state.
// Idempotent.
func (e *Engine) Stop() {
	e.pipeline.Stop()
	e.stream.Stop()
	e.dispatcher.SetDirect(nil)
	e.dispatcher.ClearTouch()
}

// SetMode switches between polling and streaming, carrying an active
// session over to the new mode.
func (e *Engine) SetMode(m Mode) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.mode == m {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	active := e.pipeline.Capturing() || e.stream.State() != stream.Disconnected
	e.Stop()

	e.mu.Lock()
	e.mode = m
	e.mu.Unlock()

	if active {
		return e.Start()
	}
	return nil
}

// SetFrameRate changes the polling rate (and with it the congestion
// budget). Takes effect immediately when capturing.
func (e *Engine) SetFrameRate(fps int) error {
	if fps < 1 {
		return fmt.Errorf("session: frame rate must be positive, got %d", fps)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.frameRate = fps
	e.mu.Unlock()

	// The poll interval is fixed at start time; cycle to apply it.
	if e.pipeline.Capturing() {
		e.pipeline.Restart()
	}
	return nil
}

// SetScale changes the still-frame downscale fraction. Read live on each
// tick, so no restart is needed.
func (e *Engine) SetScale(scale float64) error {
	if scale <= 0 || scale > 1 {
		return fmt.Errorf("session: scale must be in (0, 1], got %v", scale)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.scale = scale
	return nil
}

// SetStreamOptions changes the low-latency session parameters, applied on
// the next stream start.
func (e *Engine) SetStreamOptions(opts stream.Options) {
	e.mu.Lock()
	e.streamOpts = opts
	e.mu.Unlock()
}

// SetSyncEnabled toggles input mirroring to the rest of the open set.
func (e *Engine) SetSyncEnabled(enabled bool) {
	e.mu.Lock()
	e.syncEnabled = enabled
	e.mu.Unlock()
}

// refreshDirect points the dispatcher at the live streaming session, if
// one is connected.
func (e *Engine) refreshDirect() {
	if s := e.stream.Session(); s != nil {
		e.dispatcher.SetDirect(s)
	} else {
		e.dispatcher.SetDirect(nil)
	}
}

// SendPointerAt maps a pointer position on a rectW x rectH display surface
// to normalized content coordinates and dispatches it. Content dimensions
// come from the last applied frame, falling back to the registry's screen
// size. Events landing in the letterbox margin are dropped, not errors.
func (e *Engine) SendPointerAt(phase string, rectW, rectH, x, y float64) error {
	if e.isClosed() {
		return ErrClosed
	}
	var contentW, contentH float64
	if frame, ok := e.Frame(); ok && frame.Width > 0 && frame.Height > 0 {
		contentW, contentH = float64(frame.Width), float64(frame.Height)
	} else if dev, ok := e.table.Get(e.currentControl()); ok {
		contentW, contentH = float64(dev.ScreenW), float64(dev.ScreenH)
	}
	pt, ok := coords.Map(rectW, rectH, contentW, contentH, x, y)
	if !ok {
		return nil
	}
	return e.SendGesture(phase, pt.X, pt.Y)
}

// SendGesture routes one pointer event (phase "down", "move" or "up") at
// normalized content coordinates.
func (e *Engine) SendGesture(phase string, nx, ny float64) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.refreshDirect()
	return e.dispatcher.DispatchPointer(phase, nx, ny)
}

// SendKey routes one key event.
func (e *Engine) SendKey(name, action string) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.refreshDirect()
	return e.dispatcher.DispatchKey(name, action)
}

// Home taps the home control.
func (e *Engine) Home() error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.dispatcher.Home()
}

// DeviceCommand sends a body-less command (lock, reboot, volume, ...) to
// the control device, mirrored under sync.
func (e *Engine) DeviceCommand(cmdType string) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.dispatcher.Command(cmdType)
}

// ReadClipboard requests the control device's pasteboard; the reply is
// delivered through the OnClipboard callback.
func (e *Engine) ReadClipboard() error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.dispatcher.ReadClipboard()
}

// WriteClipboard sets the pasteboard on the control device, or on every
// open device under sync.
func (e *Engine) WriteClipboard(typeTag, data string) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.dispatcher.WriteClipboard(typeTag, data)
}

// OnFrame registers the still-frame callback.
func (e *Engine) OnFrame(fn func(capture.Frame)) {
	e.pipeline.OnFrame(fn)
}

// OnClipboard registers the clipboard-reply callback.
func (e *Engine) OnClipboard(fn func(device, typeTag, data string)) {
	e.mu.Lock()
	e.onClipboard = fn
	e.mu.Unlock()
}

// Status derives the session's activity state.
func (e *Engine) Status() Status {
	switch e.stream.State() {
	case stream.Connecting:
		return StatusConnecting
	case stream.Connected:
		return StatusStreaming
	}
	if e.pipeline.Capturing() {
		return StatusCapturing
	}
	return StatusIdle
}

// Frame returns the last polled still frame, if any.
func (e *Engine) Frame() (capture.Frame, bool) {
	return e.pipeline.Frame()
}

// Stats returns the live streaming stats.
func (e *Engine) Stats() stream.Stats {
	return e.stream.Stats()
}

// Media returns the streaming media handle, if a track has arrived.
func (e *Engine) Media() (stream.MediaHandle, bool) {
	return e.stream.Media()
}

// Touch reports the in-flight gesture position, if any.
func (e *Engine) Touch() (input.TouchPoint, bool) {
	return e.dispatcher.Touch()
}

// Control returns the device currently in control, empty when none.
func (e *Engine) Control() string {
	return e.currentControl()
}

// Selected returns a copy of the open device set, in order.
func (e *Engine) Selected() []string {
	return e.currentSelected()
}

// SyncEnabled reports the input mirror flag.
func (e *Engine) SyncEnabled() bool {
	return e.currentSync()
}

// Mode returns the transport mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Devices returns a snapshot of every device the fleet server has
// announced.
func (e *Engine) Devices() map[string]state.SeenDevice {
	return e.table.Snapshot()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close tears everything down and releases the message subscriptions.
// Idempotent; the engine refuses further mutations.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancels := e.cancels
	e.cancels = nil
	e.open = nil
	e.control = ""
	e.mu.Unlock()

	e.Stop()
	for _, cancel := range cancels {
		cancel()
	}
	e.log.Info().Msg("session closed")
}

func removeDevice(devices []string, udid string) []string {
	out := devices[:0]
	for _, d := range devices {
		if d != udid {
			out = append(out, d)
		}
	}
	return out
}

func containsDevice(devices []string, udid string) bool {
	for _, d := range devices {
		if d == udid {
			return true
		}
	}
	return false
}
