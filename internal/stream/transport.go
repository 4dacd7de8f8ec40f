// Package stream manages continuous low-latency sessions to the control
// device and derives live throughput/frame-rate statistics from them.
package stream

// Options are the quality parameters for a low-latency session.
type Options struct {
	ResolutionFraction float64 // fraction of the device's native resolution
	FPS                int
	Force              bool // force-restart a session the device thinks is open
}

// StatsSnapshot is a cumulative transport counter sample.
type StatsSnapshot struct {
	BytesReceived uint64
	FramesDecoded uint64
}

// MediaHandle identifies an inbound media track the presentation layer can
// bind to a video surface.
type MediaHandle struct {
	ID    string
	Kind  string // "video" | "audio"
	Codec string
}

// Callbacks receive transport lifecycle events. All callbacks may fire from
// transport goroutines; the controller serializes them internally.
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func()
	OnError        func(error)
	OnTrack        func(MediaHandle)
}

// Session is one open low-latency session on a device.
type Session interface {
	// SendPointerEvent forwards a normalized pointer event on the direct
	// input channel. phase is "down", "move" or "up".
	SendPointerEvent(phase string, nx, ny float64) error

	// SendKeyEvent forwards a named key event on the direct input channel.
	SendKeyEvent(name, action string) error

	// Stats returns the cumulative transport counters.
	Stats() (StatsSnapshot, error)

	// Close tears the session down. Idempotent.
	Close() error
}

// Transport opens low-latency sessions. The webrtc implementation in this
// package is the production variant; tests substitute fakes.
type Transport interface {
	OpenSession(device string, opts Options, cb Callbacks) (Session, error)
}
