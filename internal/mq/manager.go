// Package mq implements the message channel to the fleet server: a
// persistent websocket carrying JSON Message envelopes. Outbound control
// messages are HMAC-signed; inbound messages fan out to predicate
// subscriptions.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/metrics"
	"github.com/fleetlink/fleetlink/internal/proto"
	"github.com/fleetlink/fleetlink/internal/util"
)

// ErrNotConnected is returned for sends attempted while the websocket is
// down; the run loop is redialing in the background.
var ErrNotConnected = errors.New("mq: not connected to fleet server")

// subCap is the buffer of each subscription channel. Subscribers that fall
// behind lose messages rather than stall the read loop.
const subCap = 64

// Manager owns the websocket to the fleet server, the reconnect loop, and
// the subscription registry.
type Manager struct {
	url      string
	passhash []byte
	log      zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn // nil while disconnected

	subMu sync.RWMutex
	subs  map[*subscription]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

type subscription struct {
	pred func(*proto.Message) bool
	ch   chan *proto.Message
}

// New creates a Manager for the given websocket URL. passhash is the shared
// secret used to sign control messages.
func New(url, passhash string, logger zerolog.Logger) *Manager {
	return &Manager{
		url:      url,
		passhash: []byte(passhash),
		log:      logger.With().Str("component", "mq").Logger(),
		subs:     make(map[*subscription]struct{}),
		done:     make(chan struct{}),
	}
}

// Run dials the fleet server and keeps the connection alive, redialing
// after util.RetryDelay on any failure. It blocks until ctx is cancelled or
// Close is called.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		default:
		}

		if err := m.connect(ctx); err != nil {
			m.log.Warn().Err(err).Str("url", m.url).Msg("dial failed")
		} else {
			m.readLoop()
		}

		metrics.ReconnectsTotal.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case <-time.After(util.RetryDelay):
		}
	}
}

// connect dials the server and sends the signed controller hello. The
// hello reply (the current device table) arrives through the normal read
// loop and reaches subscribers like any other message.
func (m *Manager) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("mq: dial %s: %w", m.url, err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	hello := proto.Message{Type: proto.TypeControlDevices}
	if err := m.send(&hello); err != nil {
		m.dropConn()
		return fmt.Errorf("mq: hello: %w", err)
	}

	m.log.Info().Str("url", m.url).Msg("connected to fleet server")
	return nil
}

// readLoop reads messages until the connection breaks, dispatching each to
// matching subscribers.
func (m *Manager) readLoop() {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Warn().Err(err).Msg("connection lost")
			}
			m.dropConn()
			return
		}

		var msg proto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.log.Debug().Err(err).Msg("dropping malformed message")
			continue
		}

		metrics.MessagesReceivedTotal.WithLabelValues(msg.Type).Inc()
		m.dispatch(&msg)
	}
}

func (m *Manager) dispatch(msg *proto.Message) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for sub := range m.subs {
		if !sub.pred(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			m.log.Debug().Str("type", msg.Type).Msg("subscriber full, dropping message")
		}
	}
}

func (m *Manager) dropConn() {
	m.connMu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connMu.Unlock()
}

// Connected reports whether the websocket is currently up.
func (m *Manager) Connected() bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.conn != nil
}

// Close tears the connection down and stops the run loop. Subscription
// channels are closed so downstream loops terminate.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.dropConn()

		m.subMu.Lock()
		for sub := range m.subs {
			close(sub.ch)
		}
		m.subs = make(map[*subscription]struct{})
		m.subMu.Unlock()
	})
}

// Subscribe registers a predicate and returns a channel receiving every
// inbound message it matches, plus an unsubscribe function. Unsubscribe is
// idempotent.
func (m *Manager) Subscribe(pred func(*proto.Message) bool) (<-chan *proto.Message, func()) {
	sub := &subscription{pred: pred, ch: make(chan *proto.Message, subCap)}

	m.subMu.Lock()
	m.subs[sub] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if _, ok := m.subs[sub]; ok {
			delete(m.subs, sub)
			close(sub.ch)
		}
		m.subMu.Unlock()
	}
	return sub.ch, cancel
}

// send stamps (signs) and writes one message. The write lock doubles as the
// connection guard, serializing concurrent writers on the single socket.
func (m *Manager) send(msg *proto.Message) error {
	msg.Stamp(m.passhash)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mq: encode %s: %w", msg.Type, err)
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// SendCommand fans one device command out to the given device list.
func (m *Manager) SendCommand(devices []string, cmdType string, body any) error {
	if len(devices) == 0 {
		return nil
	}
	return m.send(&proto.Message{
		Type: proto.TypeControlCommand,
		Body: proto.ControlCommand{Devices: devices, Type: cmdType, Body: body},
	})
}

// RequestStillFrame asks device for one scaled-down frame. The reply comes
// back asynchronously as a udid-tagged screen/snapshot message.
func (m *Manager) RequestStillFrame(device string, scale float64) error {
	metrics.CaptureRequestsTotal.WithLabelValues(device).Inc()
	return m.SendCommand([]string{device}, proto.CmdSnapshot, proto.SnapshotRequest{Scale: scale})
}

// BroadcastPointer sends a normalized pointer event to every device in the
// list. phase is "down", "move" or "up".
func (m *Manager) BroadcastPointer(devices []string, phase string, nx, ny float64) error {
	cmd, err := touchCommand(phase)
	if err != nil {
		return err
	}
	return m.SendCommand(devices, cmd, proto.TouchBody{X: nx, Y: ny})
}

// BroadcastKey sends a named key press to every device in the list.
func (m *Manager) BroadcastKey(devices []string, name string) error {
	return m.SendCommand(devices, proto.CmdKeySend, proto.KeyBody{Name: name})
}

// DeviceCommand sends a body-less device command (home, lock, reboot, ...).
func (m *Manager) DeviceCommand(devices []string, cmdType string) error {
	return m.SendCommand(devices, cmdType, nil)
}

// ReadClipboard requests the pasteboard contents of every device in the
// list; replies arrive as udid-tagged pasteboard/read messages.
func (m *Manager) ReadClipboard(devices []string) error {
	return m.SendCommand(devices, proto.CmdPasteboardRead, nil)
}

// WriteClipboard sets the pasteboard contents of every device in the list.
func (m *Manager) WriteClipboard(devices []string, typeTag, data string) error {
	return m.SendCommand(devices, proto.CmdPasteboardWrite, proto.PasteboardBody{Type: typeTag, Data: data})
}

func touchCommand(phase string) (string, error) {
	switch phase {
	case "down":
		return proto.CmdTouchDown, nil
	case "move":
		return proto.CmdTouchMove, nil
	case "up":
		return proto.CmdTouchUp, nil
	}
	return "", fmt.Errorf("mq: unknown pointer phase %q", phase)
}
