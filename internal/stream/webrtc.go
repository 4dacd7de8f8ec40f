package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/proto"
)

// Signaler carries session signaling over the message channel. The mq
// Manager satisfies this; keeping it an interface here avoids coupling the
// transport to the websocket client.
type Signaler interface {
	SendCommand(devices []string, cmdType string, body any) error
	Subscribe(pred func(*proto.Message) bool) (<-chan *proto.Message, func())
}

// answerTimeout bounds how long OpenSession waits for the device to answer
// the offer.
const answerTimeout = 15 * time.Second

// keyframeInterval is how often a PLI is sent so the inbound stream
// recovers quickly from loss and starts on a keyframe.
const keyframeInterval = 3 * time.Second

// WebRTCTransport opens low-latency sessions over WebRTC, with SDP
// exchanged through the fleet server's message channel.
type WebRTCTransport struct {
	sig        Signaler
	iceServers []string
	log        zerolog.Logger
}

// NewWebRTCTransport creates a transport using the given STUN/TURN URLs.
func NewWebRTCTransport(sig Signaler, iceServers []string, logger zerolog.Logger) *WebRTCTransport {
	return &WebRTCTransport{
		sig:        sig,
		iceServers: iceServers,
		log:        logger.With().Str("component", "webrtc").Logger(),
	}
}

// OpenSession negotiates a receive-only video session plus an input data
// channel with device. It blocks until the device answers or the attempt
// times out. Candidate gathering completes before the offer is sent, so no
// trickle messages cross the wire.
func (t *WebRTCTransport) OpenSession(device string, opts Options, cb Callbacks) (Session, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("stream: register codecs: %w", err)
	}
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("stream: register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(reg))

	cfg := webrtc.Configuration{}
	for _, u := range t.iceServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("stream: new peer connection: %w", err)
	}

	sess := &webrtcSession{
		pc:     pc,
		sig:    t.sig,
		device: device,
		done:   make(chan struct{}),
		log:    t.log.With().Str("device", device).Logger(),
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("stream: add video transceiver: %w", err)
	}

	input, err := pc.CreateDataChannel("input", nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("stream: create input channel: %w", err)
	}
	sess.input = input

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if sess.closed.Load() {
			return
		}
		switch st {
		case webrtc.PeerConnectionStateConnected:
			cb.OnConnected()
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			cb.OnDisconnected()
		case webrtc.PeerConnectionStateFailed:
			cb.OnError(errors.New("peer connection failed"))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		cb.OnTrack(MediaHandle{
			ID:    track.ID(),
			Kind:  track.Kind().String(),
			Codec: track.Codec().MimeType,
		})
		go sess.keyframeLoop(track.SSRC())
		go sess.readTrack(track)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("stream: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("stream: set local description: %w", err)
	}
	<-gathered

	// Subscribe before sending so a fast answer cannot slip past us.
	answers, cancel := t.sig.Subscribe(func(msg *proto.Message) bool {
		return msg.Type == proto.TypeStreamAnswer && msg.UDID == device
	})
	defer cancel()

	req := proto.StreamStartRequest{
		SDP:        pc.LocalDescription().SDP,
		Resolution: opts.ResolutionFraction,
		FPS:        opts.FPS,
		Force:      opts.Force,
	}
	if err := t.sig.SendCommand([]string{device}, proto.CmdStreamStart, req); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("stream: send start request: %w", err)
	}

	select {
	case msg, ok := <-answers:
		if !ok {
			_ = pc.Close()
			return nil, errors.New("stream: message channel closed while awaiting answer")
		}
		if msg.Error != "" {
			_ = pc.Close()
			return nil, fmt.Errorf("stream: device rejected session: %s", msg.Error)
		}
		var ans proto.StreamAnswer
		if err := proto.DecodeBody(msg.Body, &ans); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("stream: decode answer: %w", err)
		}
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: ans.SDP}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("stream: set remote description: %w", err)
		}
	case <-time.After(answerTimeout):
		_ = pc.Close()
		return nil, fmt.Errorf("stream: no answer from %s within %s", device, answerTimeout)
	}

	t.log.Info().Str("device", device).Msg("session negotiated")
	return sess, nil
}

// inputEvent is the wire shape of one event on the "input" data channel.
type inputEvent struct {
	Type   string  `json:"type"` // "touch" | "key"
	Phase  string  `json:"phase,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Name   string  `json:"name,omitempty"`
	Action string  `json:"action,omitempty"`
}

type webrtcSession struct {
	pc     *webrtc.PeerConnection
	input  *webrtc.DataChannel
	sig    Signaler
	device string
	log    zerolog.Logger

	bytes  atomic.Uint64
	frames atomic.Uint64

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// readTrack drains inbound RTP, counting payload bytes and completed
// frames (marker bit closes a video access unit) for stats sampling.
func (s *webrtcSession) readTrack(track *webrtc.TrackRemote) {
	var pkt *rtp.Packet
	var err error
	for {
		pkt, _, err = track.ReadRTP()
		if err != nil {
			return
		}
		s.bytes.Add(uint64(len(pkt.Payload)))
		if pkt.Marker {
			s.frames.Add(1)
		}
	}
}

// keyframeLoop asks the sender for a keyframe immediately and then
// periodically, so the stream starts clean and recovers from loss.
func (s *webrtcSession) keyframeLoop(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		if s.closed.Load() {
			return
		}
		pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}
		if err := s.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
			return
		}
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

func (s *webrtcSession) sendInput(ev inputEvent) error {
	if s.closed.Load() {
		return errors.New("stream: session closed")
	}
	if s.input == nil || s.input.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("stream: input channel not open")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.input.SendText(string(data))
}

func (s *webrtcSession) SendPointerEvent(phase string, nx, ny float64) error {
	return s.sendInput(inputEvent{Type: "touch", Phase: phase, X: nx, Y: ny})
}

func (s *webrtcSession) SendKeyEvent(name, action string) error {
	return s.sendInput(inputEvent{Type: "key", Name: name, Action: action})
}

func (s *webrtcSession) Stats() (StatsSnapshot, error) {
	if s.closed.Load() {
		return StatsSnapshot{}, errors.New("stream: session closed")
	}
	return StatsSnapshot{
		BytesReceived: s.bytes.Load(),
		FramesDecoded: s.frames.Load(),
	}, nil
}

// Close stops the session and asks the device to stop streaming. Callbacks
// are suppressed from this point; the owner initiated the teardown.
func (s *webrtcSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		if sendErr := s.sig.SendCommand([]string{s.device}, proto.CmdStreamStop, nil); sendErr != nil {
			s.log.Debug().Err(sendErr).Msg("stop request failed")
		}
		err = s.pc.Close()
	})
	return err
}
