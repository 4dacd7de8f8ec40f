// Package capture drives periodic still-frame polling for the control
// device, rate-limited by the congestion controller.
package capture

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/congestion"
	"github.com/fleetlink/fleetlink/internal/metrics"
)

// FrameRequester issues still-frame requests over the message channel.
// Replies arrive asynchronously as udid-tagged snapshot messages.
type FrameRequester interface {
	RequestStillFrame(device string, scale float64) error
}

// Frame is the last applied still frame.
type Frame struct {
	Device     string
	Data       []byte
	Format     string
	Width      int
	Height     int
	ReceivedAt time.Time
}

// Reply is one decoded inbound snapshot message.
type Reply struct {
	Device string
	Data   []byte
	Format string
	Width  int
	Height int
	Err    string // device-reported error, empty on success
}

// Pipeline polls the current control device for still frames. The control
// device is re-read through an injected accessor on every tick, never
// captured at start time, so a device switch mid-capture retargets the next
// tick immediately.
type Pipeline struct {
	requester FrameRequester
	cc        *congestion.Controller
	current   func() string  // current control device, re-read each tick
	fps       func() int     // requested frame rate
	scale     func() float64 // requested scale fraction
	log       zerolog.Logger

	mu        sync.Mutex
	capturing bool
	stop      chan struct{}
	frame     *Frame
	onFrame   func(Frame)
}

// New creates an idle Pipeline. The accessor funcs are consulted live on
// every tick.
func New(requester FrameRequester, cc *congestion.Controller, current func() string, fps func() int, scale func() float64, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		requester: requester,
		cc:        cc,
		current:   current,
		fps:       fps,
		scale:     scale,
		log:       logger.With().Str("component", "capture").Logger(),
	}
}

// OnFrame registers a callback fired after each applied frame. Must be set
// before Start.
func (p *Pipeline) OnFrame(fn func(Frame)) {
	p.mu.Lock()
	p.onFrame = fn
	p.mu.Unlock()
}

// Start resets congestion accounting, issues one immediate capture request
// and arms the periodic poll timer. No-op while already capturing.
// The tick interval is derived from the frame rate at start time; frame
// rate or scale changes take effect through Restart.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.capturing {
		p.mu.Unlock()
		return
	}
	p.capturing = true
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	p.cc.Reset()
	p.tick()

	interval := Interval(p.fps())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.tick()
			}
		}
	}()

	p.log.Info().Dur("interval", interval).Msg("capture started")
}

// Interval converts a requested frame rate to the poll period.
func Interval(fps int) time.Duration {
	if fps < 1 {
		fps = 1
	}
	return time.Duration(math.Round(1000/float64(fps))) * time.Millisecond
}

// tick issues one capture request for whatever device is currently
// selected, if the congestion controller admits it.
func (p *Pipeline) tick() {
	p.mu.Lock()
	capturing := p.capturing
	p.mu.Unlock()
	if !capturing {
		return
	}

	device := p.current()
	if device == "" {
		return
	}
	if !p.cc.Admit() {
		return
	}
	if err := p.requester.RequestStillFrame(device, p.scale()); err != nil {
		// The request never hit the wire; give the budget back.
		p.cc.OnReply()
		p.log.Debug().Err(err).Str("device", device).Msg("capture request failed")
	}
}

// HandleReply applies one inbound snapshot reply. Replies for devices other
// than the current control device are dropped, but congestion accounting is
// always updated so a stale reply cannot permanently inflate the pending
// count.
func (p *Pipeline) HandleReply(r Reply) {
	p.cc.OnReply()

	device := p.current()
	if r.Device != device {
		metrics.FramesDroppedTotal.WithLabelValues("stale").Inc()
		return
	}
	if r.Err != "" {
		metrics.FramesDroppedTotal.WithLabelValues("error").Inc()
		p.log.Debug().Str("device", r.Device).Str("error", r.Err).Msg("device reported capture error")
		return
	}

	frame := Frame{
		Device:     r.Device,
		Data:       r.Data,
		Format:     r.Format,
		Width:      r.Width,
		Height:     r.Height,
		ReceivedAt: time.Now(),
	}

	p.mu.Lock()
	if !p.capturing {
		p.mu.Unlock()
		return
	}
	p.frame = &frame
	fn := p.onFrame
	p.mu.Unlock()

	metrics.FramesAppliedTotal.WithLabelValues(r.Device).Inc()
	if fn != nil {
		fn(frame)
	}
}

// Stop clears the poll timer, resets congestion accounting (which also
// cancels any pending cooldown) and drops the frame buffer. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.capturing {
		p.mu.Unlock()
		return
	}
	p.capturing = false
	close(p.stop)
	p.frame = nil
	p.mu.Unlock()

	p.cc.Reset()
	p.log.Info().Msg("capture stopped")
}

// Restart applies a changed frame rate or scale by cycling the pipeline.
func (p *Pipeline) Restart() {
	p.Stop()
	p.Start()
}

// Capturing reports whether the pipeline is active.
func (p *Pipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capturing
}

// Frame returns the last applied frame, if any.
func (p *Pipeline) Frame() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frame == nil {
		return Frame{}, false
	}
	return *p.frame, true
}
