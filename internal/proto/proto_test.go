package proto

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBody_LooseMapToStruct(t *testing.T) {
	body := map[string]any{
		"data":   "cGF5bG9hZA==",
		"format": "png",
		"width":  320,
		"height": 240,
	}

	var reply SnapshotReply
	require.NoError(t, DecodeBody(body, &reply))

	assert.Equal(t, "cGF5bG9hZA==", reply.Data)
	assert.Equal(t, "png", reply.Format)
	assert.Equal(t, 320, reply.Width)
	assert.Equal(t, 240, reply.Height)
}

func TestDecodeBody_MismatchedShape(t *testing.T) {
	var reply SnapshotReply
	assert.Error(t, DecodeBody(map[string]any{"width": "not a number"}, &reply))
}

func TestDecodeBody_UnmarshalableBody(t *testing.T) {
	var reply SnapshotReply
	assert.Error(t, DecodeBody(math.NaN(), &reply))
}

func TestStamp_SignVerifies(t *testing.T) {
	passhash := []byte("0123456789abcdef")
	msg := &Message{Type: TypeControlCommand}

	msg.Stamp(passhash)

	require.NotZero(t, msg.TS)
	assert.True(t, VerifySign(msg.TS, msg.Sign, passhash))
	assert.False(t, VerifySign(msg.TS, msg.Sign, []byte("wrong")))
	assert.False(t, VerifySign(msg.TS+1, msg.Sign, passhash))
}
