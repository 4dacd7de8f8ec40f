package stream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/internal/util"
)

type fakeSession struct {
	mu     sync.Mutex
	snap   StatsSnapshot
	err    error
	closed int
}

func (f *fakeSession) SendPointerEvent(string, float64, float64) error { return nil }
func (f *fakeSession) SendKeyEvent(string, string) error               { return nil }

func (f *fakeSession) Stats() (StatsSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) setSnap(bytes, frames uint64) {
	f.mu.Lock()
	f.snap = StatsSnapshot{BytesReceived: bytes, FramesDecoded: frames}
	f.mu.Unlock()
}

func (f *fakeSession) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeTransport struct {
	mu      sync.Mutex
	opened  []string
	session *fakeSession
	cb      Callbacks
	openErr error
}

func (f *fakeTransport) OpenSession(device string, _ Options, cb Callbacks) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened = append(f.opened, device)
	f.session = &fakeSession{}
	f.cb = cb
	return f.session, nil
}

func newTestController() (*Controller, *fakeTransport, *util.TestClock) {
	tr := &fakeTransport{}
	clock := &util.TestClock{CurrentTime: time.Unix(1700000000, 0)}
	return NewController(tr, clock, zerolog.Nop()), tr, clock
}

func TestStart_TransitionsToConnecting(t *testing.T) {
	c, tr, _ := newTestController()
	require.NoError(t, c.Start("dev-1", Options{FPS: 30, ResolutionFraction: 0.5}))
	defer c.Stop()

	assert.Equal(t, Connecting, c.State())
	assert.Equal(t, "dev-1", c.Device())
	assert.Equal(t, []string{"dev-1"}, tr.opened)
}

func TestStart_OpenFailureRevertsToDisconnected(t *testing.T) {
	c, tr, _ := newTestController()
	tr.openErr = errors.New("device unreachable")

	err := c.Start("dev-1", Options{})
	assert.Error(t, err)
	assert.Equal(t, Disconnected, c.State())
	assert.Empty(t, c.Device())
}

func TestOnConnected_TransitionsToConnected(t *testing.T) {
	c, tr, _ := newTestController()
	require.NoError(t, c.Start("dev-1", Options{}))
	defer c.Stop()

	tr.cb.OnConnected()
	assert.Equal(t, Connected, c.State())
	assert.NotNil(t, c.Session())
}

func TestStaleCallbacksIgnored(t *testing.T) {
	c, tr, _ := newTestController()
	require.NoError(t, c.Start("dev-1", Options{}))
	oldCb := tr.cb

	// Restart onto another device; the old session's callbacks are stale.
	require.NoError(t, c.Start("dev-2", Options{}))
	defer c.Stop()

	oldCb.OnConnected()
	assert.Equal(t, Connecting, c.State(), "stale connect must not touch the new session")

	tr.cb.OnConnected()
	require.Equal(t, Connected, c.State())

	oldCb.OnDisconnected()
	assert.Equal(t, Connected, c.State(), "stale disconnect must not tear the new session down")
	oldCb.OnError(errors.New("old ICE failure"))
	assert.Equal(t, Connected, c.State())
}

func TestStart_TearsDownPriorSession(t *testing.T) {
	c, tr, _ := newTestController()
	require.NoError(t, c.Start("dev-1", Options{}))
	tr.cb.OnConnected()
	first := tr.session

	require.NoError(t, c.Start("dev-2", Options{}))
	defer c.Stop()

	assert.Equal(t, 1, first.closeCount(), "prior session must be closed before the new one opens")
	assert.Equal(t, "dev-2", c.Device())
}

func TestOnError_RevertsToDisconnected(t *testing.T) {
	c, tr, _ := newTestController()
	require.NoError(t, c.Start("dev-1", Options{}))
	tr.cb.OnConnected()

	tr.cb.OnError(errors.New("dtls handshake failed"))
	assert.Equal(t, Disconnected, c.State())
	assert.Nil(t, c.Session())
	assert.Equal(t, Stats{}, c.Stats())
}

func TestOnTrack_ExposesMediaHandle(t *testing.T) {
	c, tr, _ := newTestController()
	require.NoError(t, c.Start("dev-1", Options{}))
	defer c.Stop()
	tr.cb.OnConnected()

	_, ok := c.Media()
	require.False(t, ok)

	tr.cb.OnTrack(MediaHandle{ID: "trk", Kind: "video", Codec: "video/H264"})
	h, ok := c.Media()
	require.True(t, ok)
	assert.Equal(t, "video", h.Kind)
}

func TestSample_SeedsThenDerivesRates(t *testing.T) {
	c, tr, clock := newTestController()
	require.NoError(t, c.Start("dev-1", Options{}))
	defer c.Stop()
	tr.cb.OnConnected()
	epoch := c.epochForTest()

	// First sample only seeds the baseline; no rate is computable.
	tr.session.setSnap(50000, 30)
	c.sample(epoch)
	assert.Equal(t, Stats{}, c.Stats())

	// 125000 bytes over exactly 1s → 1000 kbps; 30 frames → 30 fps.
	clock.Advance(time.Second)
	tr.session.setSnap(175000, 60)
	c.sample(epoch)
	assert.Equal(t, Stats{BitrateKbps: 1000, FPS: 30}, c.Stats())
}

func TestSample_SkipsTooCloseSamples(t *testing.T) {
	c, tr, clock := newTestController()
	require.NoError(t, c.Start("dev-1", Options{}))
	defer c.Stop()
	tr.cb.OnConnected()
	epoch := c.epochForTest()

	tr.session.setSnap(1000, 1)
	c.sample(epoch) // seed

	clock.Advance(50 * time.Millisecond)
	tr.session.setSnap(2000, 2)
	c.sample(epoch)
	assert.Equal(t, Stats{}, c.Stats(), "sub-100ms sample must not produce noisy ratios")

	// The skipped sample did not move the baseline either.
	clock.Advance(950 * time.Millisecond)
	tr.session.setSnap(126000, 31)
	c.sample(epoch)
	assert.Equal(t, 1000, c.Stats().BitrateKbps)
	assert.Equal(t, 30, c.Stats().FPS)
}

func TestSample_StaleEpochIgnored(t *testing.T) {
	c, tr, clock := newTestController()
	require.NoError(t, c.Start("dev-1", Options{}))
	tr.cb.OnConnected()
	stale := c.epochForTest()
	c.Stop()

	require.NoError(t, c.Start("dev-2", Options{}))
	defer c.Stop()
	tr.cb.OnConnected()

	tr.session.setSnap(9999, 9)
	clock.Advance(time.Second)
	c.sample(stale)
	assert.Equal(t, Stats{}, c.Stats())
}

func TestStop_ResetsStateAndStats(t *testing.T) {
	c, tr, clock := newTestController()
	require.NoError(t, c.Start("dev-1", Options{}))
	tr.cb.OnConnected()
	epoch := c.epochForTest()

	tr.session.setSnap(1000, 10)
	c.sample(epoch)
	clock.Advance(time.Second)
	tr.session.setSnap(126000, 40)
	c.sample(epoch)
	require.NotEqual(t, Stats{}, c.Stats())

	c.Stop()
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, Stats{}, c.Stats())
	_, ok := c.Media()
	assert.False(t, ok)
	assert.Equal(t, 1, tr.session.closeCount())

	// Idempotent.
	c.Stop()
	assert.Equal(t, 1, tr.session.closeCount())
}

// epochForTest exposes the live session epoch for direct sample calls.
func (c *Controller) epochForTest() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}
