package stream

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/metrics"
	"github.com/fleetlink/fleetlink/internal/util"
)

// State is the streaming session lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// sampleInterval is the stats sampling period.
const sampleInterval = time.Second

// minSampleElapsed guards against noisy ratios from samples taken too close
// together (timer coalescing, clock adjustment).
const minSampleElapsed = 100 * time.Millisecond

// Stats are the smoothed live metrics shown to the operator.
type Stats struct {
	BitrateKbps int
	FPS         int
}

// Controller owns at most one low-latency session and its stats sampler.
// Transport callbacks are tagged with a session epoch so events from a
// session that has already been torn down are ignored.
type Controller struct {
	transport Transport
	clock     util.Clock
	log       zerolog.Logger

	mu      sync.Mutex
	state   State
	epoch   string // uuid of the live session, "" when disconnected
	session Session
	device  string
	media   *MediaHandle

	stopSample chan struct{}

	// stats baseline and derived values
	seeded     bool
	lastBytes  uint64
	lastFrames uint64
	lastSample time.Time
	stats      Stats
}

// NewController creates an idle Controller.
func NewController(transport Transport, clock util.Clock, logger zerolog.Logger) *Controller {
	return &Controller{
		transport: transport,
		clock:     clock,
		log:       logger.With().Str("component", "stream").Logger(),
	}
}

// Start opens a session on device, tearing down any prior session first.
func (c *Controller) Start(device string, opts Options) error {
	c.mu.Lock()
	c.teardownLocked()

	epoch := uuid.NewString()
	c.epoch = epoch
	c.state = Connecting
	c.device = device
	c.resetStatsLocked()
	c.mu.Unlock()

	c.log.Info().Str("device", device).Int("fps", opts.FPS).Float64("resolution", opts.ResolutionFraction).Msg("opening session")

	sess, err := c.transport.OpenSession(device, opts, Callbacks{
		OnConnected:    func() { c.onConnected(epoch) },
		OnDisconnected: func() { c.onDisconnected(epoch) },
		OnError:        func(err error) { c.onError(epoch, err) },
		OnTrack:        func(h MediaHandle) { c.onTrack(epoch, h) },
	})
	if err != nil {
		c.mu.Lock()
		if c.epoch == epoch {
			c.epoch = ""
			c.state = Disconnected
			c.device = ""
		}
		c.mu.Unlock()
		metrics.StreamSessionsTotal.WithLabelValues("open_failed").Inc()
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		// Stopped (or restarted) while the transport was opening.
		c.mu.Unlock()
		_ = sess.Close()
		return nil
	}
	c.session = sess
	c.mu.Unlock()
	return nil
}

// Stop tears down the session, clears the media binding and resets stats.
// Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

// teardownLocked requires c.mu held.
func (c *Controller) teardownLocked() {
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
	if c.stopSample != nil {
		close(c.stopSample)
		c.stopSample = nil
	}
	if c.state != Disconnected {
		c.log.Info().Str("device", c.device).Msg("session closed")
	}
	c.epoch = ""
	c.state = Disconnected
	c.device = ""
	c.media = nil
	c.resetStatsLocked()
}

func (c *Controller) resetStatsLocked() {
	c.seeded = false
	c.lastBytes = 0
	c.lastFrames = 0
	c.lastSample = time.Time{}
	c.stats = Stats{}
	metrics.StreamBitrateKbps.Set(0)
	metrics.StreamFPS.Set(0)
}

func (c *Controller) onConnected(epoch string) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.state = Connected
	c.resetStatsLocked()
	stop := make(chan struct{})
	c.stopSample = stop
	device := c.device
	c.mu.Unlock()

	c.log.Info().Str("device", device).Msg("session connected")
	metrics.StreamSessionsTotal.WithLabelValues("connected").Inc()

	go func() {
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.sample(epoch)
			}
		}
	}()
}

func (c *Controller) onDisconnected(epoch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.log.Warn().Str("device", c.device).Msg("session disconnected")
	metrics.StreamSessionsTotal.WithLabelValues("disconnected").Inc()
	c.teardownLocked()
}

func (c *Controller) onError(epoch string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.log.Warn().Err(err).Str("device", c.device).Msg("session error")
	metrics.StreamSessionsTotal.WithLabelValues("error").Inc()
	c.teardownLocked()
}

func (c *Controller) onTrack(epoch string, h MediaHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.media = &h
	c.log.Info().Str("kind", h.Kind).Str("codec", h.Codec).Msg("media track available")
}

// sample reads the transport counters and derives bitrate/fps from the
// deltas since the previous sample. The first sample after (re)connect only
// seeds the baseline.
func (c *Controller) sample(epoch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.state != Connected || c.session == nil {
		return
	}

	snap, err := c.session.Stats()
	if err != nil {
		c.log.Debug().Err(err).Msg("stats snapshot failed")
		return
	}

	now := c.clock.Now()
	if !c.seeded {
		c.seeded = true
		c.lastBytes = snap.BytesReceived
		c.lastFrames = snap.FramesDecoded
		c.lastSample = now
		return
	}

	elapsed := now.Sub(c.lastSample)
	if elapsed < minSampleElapsed {
		return
	}

	byteDelta := snap.BytesReceived - c.lastBytes
	frameDelta := snap.FramesDecoded - c.lastFrames
	c.lastBytes = snap.BytesReceived
	c.lastFrames = snap.FramesDecoded
	c.lastSample = now

	c.stats = Stats{
		BitrateKbps: int(math.Round(float64(byteDelta) * 8 / elapsed.Seconds() / 1000)),
		FPS:         int(math.Round(float64(frameDelta) / elapsed.Seconds())),
	}
	metrics.StreamBitrateKbps.Set(float64(c.stats.BitrateKbps))
	metrics.StreamFPS.Set(float64(c.stats.FPS))
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Device returns the device of the live session, empty when disconnected.
func (c *Controller) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// Stats returns the latest smoothed metrics.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Media returns the inbound media handle once a track has arrived.
func (c *Controller) Media() (MediaHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.media == nil {
		return MediaHandle{}, false
	}
	return *c.media, true
}

// Session returns the live session for direct input dispatch, or nil.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return nil
	}
	return c.session
}
