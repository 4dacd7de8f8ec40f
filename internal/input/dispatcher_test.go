package input

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/internal/proto"
)

type bcCall struct {
	kind    string
	devices []string
	payload string
}

type fakeBroadcaster struct {
	calls []bcCall
	err   error
}

func (f *fakeBroadcaster) BroadcastPointer(devices []string, phase string, nx, ny float64) error {
	f.calls = append(f.calls, bcCall{kind: "pointer", devices: devices, payload: phase})
	return f.err
}

func (f *fakeBroadcaster) BroadcastKey(devices []string, name string) error {
	f.calls = append(f.calls, bcCall{kind: "key", devices: devices, payload: name})
	return f.err
}

func (f *fakeBroadcaster) DeviceCommand(devices []string, cmdType string) error {
	f.calls = append(f.calls, bcCall{kind: "command", devices: devices, payload: cmdType})
	return f.err
}

func (f *fakeBroadcaster) ReadClipboard(devices []string) error {
	f.calls = append(f.calls, bcCall{kind: "clip-read", devices: devices})
	return f.err
}

func (f *fakeBroadcaster) WriteClipboard(devices []string, typeTag, data string) error {
	f.calls = append(f.calls, bcCall{kind: "clip-write", devices: devices, payload: data})
	return f.err
}

type fakeDirect struct {
	pointers []string
	keys     []string
	err      error
}

func (f *fakeDirect) SendPointerEvent(phase string, nx, ny float64) error {
	f.pointers = append(f.pointers, phase)
	return f.err
}

func (f *fakeDirect) SendKeyEvent(name, action string) error {
	f.keys = append(f.keys, name+"/"+action)
	return f.err
}

type harness struct {
	bc       *fakeBroadcaster
	d        *Dispatcher
	control  string
	selected []string
	sync     bool
}

func newHarness(control string, selected []string, sync bool) *harness {
	h := &harness{bc: &fakeBroadcaster{}, control: control, selected: selected, sync: sync}
	h.d = New(h.bc,
		func() string { return h.control },
		func() []string { return h.selected },
		func() bool { return h.sync },
		zerolog.Nop())
	return h
}

func TestDispatchPointer_NoControlDevice(t *testing.T) {
	h := newHarness("", nil, false)
	require.ErrorIs(t, h.d.DispatchPointer("down", 0.5, 0.5), ErrNoControlDevice)
	assert.Empty(t, h.bc.calls)
}

func TestDispatchPointer_SyncOffSingleDispatch(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1", "dev-2", "dev-3"}, false)

	require.NoError(t, h.d.DispatchPointer("down", 0.25, 0.75))

	require.Len(t, h.bc.calls, 1)
	assert.Equal(t, []string{"dev-1"}, h.bc.calls[0].devices)
	assert.Equal(t, "down", h.bc.calls[0].payload)
}

func TestDispatchPointer_SyncOnMirrorsToOthers(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1", "dev-2", "dev-3"}, true)

	require.NoError(t, h.d.DispatchPointer("move", 0.25, 0.75))

	require.Len(t, h.bc.calls, 2)
	assert.Equal(t, []string{"dev-1"}, h.bc.calls[0].devices)
	assert.Equal(t, []string{"dev-2", "dev-3"}, h.bc.calls[1].devices)
}

func TestDispatchPointer_DirectChannelPreferred(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1", "dev-2"}, true)
	direct := &fakeDirect{}
	h.d.SetDirect(direct)

	require.NoError(t, h.d.DispatchPointer("down", 0.5, 0.5))

	assert.Equal(t, []string{"down"}, direct.pointers)
	// only the mirror goes over the message channel
	require.Len(t, h.bc.calls, 1)
	assert.Equal(t, []string{"dev-2"}, h.bc.calls[0].devices)
}

func TestDispatchPointer_ClearedDirectFallsBack(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1"}, false)
	direct := &fakeDirect{}
	h.d.SetDirect(direct)
	h.d.SetDirect(nil)

	require.NoError(t, h.d.DispatchPointer("down", 0.5, 0.5))

	assert.Empty(t, direct.pointers)
	require.Len(t, h.bc.calls, 1)
}

func TestDispatchPointer_TracksAndClearsTouch(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1"}, false)

	require.NoError(t, h.d.DispatchPointer("down", 0.1, 0.2))
	tp, ok := h.d.Touch()
	require.True(t, ok)
	assert.Equal(t, TouchPoint{X: 0.1, Y: 0.2}, tp)

	require.NoError(t, h.d.DispatchPointer("move", 0.3, 0.4))
	tp, ok = h.d.Touch()
	require.True(t, ok)
	assert.Equal(t, TouchPoint{X: 0.3, Y: 0.4}, tp)

	require.NoError(t, h.d.DispatchPointer("up", 0.3, 0.4))
	_, ok = h.d.Touch()
	assert.False(t, ok)
}

func TestClearTouch(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1"}, false)
	require.NoError(t, h.d.DispatchPointer("down", 0.1, 0.2))

	h.d.ClearTouch()

	_, ok := h.d.Touch()
	assert.False(t, ok)
}

func TestDispatchKey_DirectCarriesAction(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1", "dev-2"}, true)
	direct := &fakeDirect{}
	h.d.SetDirect(direct)

	require.NoError(t, h.d.DispatchKey("Enter", "down"))

	assert.Equal(t, []string{"Enter/down"}, direct.keys)
	require.Len(t, h.bc.calls, 1)
	assert.Equal(t, "key", h.bc.calls[0].kind)
	assert.Equal(t, []string{"dev-2"}, h.bc.calls[0].devices)
	assert.Equal(t, "Enter", h.bc.calls[0].payload)
}

func TestDispatchKey_MessageChannelFallback(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1"}, false)

	require.NoError(t, h.d.DispatchKey("a", "down"))

	require.Len(t, h.bc.calls, 1)
	assert.Equal(t, []string{"dev-1"}, h.bc.calls[0].devices)
}

func TestHome_MirroredUnderSync(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1", "dev-2", "dev-3"}, true)

	require.NoError(t, h.d.Home())

	require.Len(t, h.bc.calls, 2)
	assert.Equal(t, proto.CmdHome, h.bc.calls[0].payload)
	assert.Equal(t, []string{"dev-1"}, h.bc.calls[0].devices)
	assert.Equal(t, []string{"dev-2", "dev-3"}, h.bc.calls[1].devices)
}

func TestReadClipboard_RefusedUnderSync(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1", "dev-2"}, true)

	require.ErrorIs(t, h.d.ReadClipboard(), ErrClipboardSyncRead)
	assert.Empty(t, h.bc.calls)
}

func TestReadClipboard_ControlOnly(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1", "dev-2"}, false)

	require.NoError(t, h.d.ReadClipboard())

	require.Len(t, h.bc.calls, 1)
	assert.Equal(t, "clip-read", h.bc.calls[0].kind)
	assert.Equal(t, []string{"dev-1"}, h.bc.calls[0].devices)
}

func TestWriteClipboard_SyncBroadcastsToAll(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1", "dev-2", "dev-3"}, true)

	require.NoError(t, h.d.WriteClipboard("text", "hello"))

	require.Len(t, h.bc.calls, 1)
	assert.Equal(t, []string{"dev-1", "dev-2", "dev-3"}, h.bc.calls[0].devices)
	assert.Equal(t, "hello", h.bc.calls[0].payload)
}

func TestWriteClipboard_ControlOnlyWithoutSync(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1", "dev-2"}, false)

	require.NoError(t, h.d.WriteClipboard("text", "hello"))

	require.Len(t, h.bc.calls, 1)
	assert.Equal(t, []string{"dev-1"}, h.bc.calls[0].devices)
}

func TestDispatchPointer_BroadcastError(t *testing.T) {
	h := newHarness("dev-1", []string{"dev-1"}, false)
	h.bc.err = errors.New("send failed")

	require.Error(t, h.d.DispatchPointer("down", 0.5, 0.5))
}
