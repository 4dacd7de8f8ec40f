// Package proto defines the wire protocol spoken with the fleet server:
// a JSON Message envelope plus the command vocabulary devices understand.
// Controller-originated messages are authenticated with a timestamped
// HMAC-SHA256 signature over the shared passhash.
package proto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// Message envelope types exchanged with the fleet server.
const (
	TypeControlDevices = "control/devices" // controller hello; reply carries the device table
	TypeControlCommand = "control/command" // fan a device command out to a device list
	TypeAppState       = "app/state"       // device presence/state push, udid-tagged
	TypeDisconnect     = "device/disconnect"
)

// Command types understood by devices. Sent as the inner type of a
// control/command body; replies come back as top-level messages of the
// same type tagged with the origin device's udid.
const (
	CmdTouchDown  = "touch/down"
	CmdTouchMove  = "touch/move"
	CmdTouchUp    = "touch/up"
	CmdKeySend    = "key/send"
	CmdHome       = "device/home"
	CmdLock       = "device/lock"
	CmdUnlock     = "device/unlock"
	CmdReboot     = "device/reboot"
	CmdVolumeUp   = "device/volume/up"
	CmdVolumeDown = "device/volume/down"

	CmdPasteboardRead  = "pasteboard/read"
	CmdPasteboardWrite = "pasteboard/write"

	CmdSnapshot = "screen/snapshot"

	CmdStreamStart = "webrtc/start"
	CmdStreamStop  = "webrtc/stop"
)

// Reply types that arrive asynchronously from devices.
const (
	TypeSnapshotReply   = CmdSnapshot
	TypePasteboardReply = CmdPasteboardRead
	TypeStreamAnswer    = "webrtc/answer"
)

// Message is the wire envelope. TS and Sign are set on controller-originated
// control/* messages; UDID tags device-originated replies with their source.
type Message struct {
	Type  string `json:"type"`
	Body  any    `json:"body,omitempty"`
	TS    int64  `json:"ts,omitempty"`
	Sign  string `json:"sign,omitempty"`
	UDID  string `json:"udid,omitempty"`
	Error string `json:"error,omitempty"`
}

// ControlCommand is the body of a control/command message: one command
// fanned out to every device in Devices.
type ControlCommand struct {
	Devices []string `json:"devices"`
	Type    string   `json:"type"`
	Body    any      `json:"body,omitempty"`
}

// TouchBody carries a normalized pointer position (0..1 of content size).
type TouchBody struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// KeyBody carries a named key event. Action is "down", "up" or empty for a
// full press.
type KeyBody struct {
	Name   string `json:"name"`
	Action string `json:"action,omitempty"`
}

// SnapshotRequest asks a device for one still frame, scaled down by Scale
// (0..1 fraction of the native screen size).
type SnapshotRequest struct {
	Scale  float64 `json:"scale"`
	Format string  `json:"format,omitempty"`
}

// SnapshotReply is the body of a screen/snapshot reply. Data is base64.
type SnapshotReply struct {
	Data   string `json:"data"`
	Format string `json:"format,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// PasteboardBody is the body of a pasteboard/write command and of a
// pasteboard/read reply.
type PasteboardBody struct {
	Type string `json:"type,omitempty"` // e.g. "public.utf8-plain-text"
	Data string `json:"data"`
}

// StreamStartRequest opens a low-latency session on the device. SDP carries
// the controller's offer; the device replies with a webrtc/answer message.
type StreamStartRequest struct {
	SDP        string  `json:"sdp"`
	Resolution float64 `json:"resolution"` // fraction of native resolution
	FPS        int     `json:"fps"`
	Force      bool    `json:"force,omitempty"`
}

// StreamAnswer is the body of a webrtc/answer reply.
type StreamAnswer struct {
	SDP string `json:"sdp"`
}

// DecodeBody converts a Message body, decoded from JSON as loose maps,
// into a typed struct by re-marshalling it.
func DecodeBody(body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Sign computes the hex HMAC-SHA256 of the decimal timestamp using the
// shared passhash. The server accepts it within a ±10s window.
func Sign(ts int64, passhash []byte) string {
	h := hmac.New(sha256.New, passhash)
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Stamp fills in TS and Sign on a controller-originated message.
func (m *Message) Stamp(passhash []byte) {
	m.TS = time.Now().Unix()
	m.Sign = Sign(m.TS, passhash)
}

// VerifySign reports whether sign matches ts under the given passhash.
// The controller uses it only in tests; validation proper happens
// server-side.
func VerifySign(ts int64, sign string, passhash []byte) bool {
	return hmac.Equal([]byte(Sign(ts, passhash)), []byte(sign))
}
