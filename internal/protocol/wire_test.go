package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func fixtureEnvelope() *Envelope {
	e := &Envelope{
		ID:        GenerateMessageID(),
		Type:      TypeCommand,
		Timestamp: time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		Version:   DefaultVersion,
		Sender:    "client_abc12345",
		Room:      "ops",
		Channel:   "events",
		Command:   "op.store.set",
		Args: map[string]interface{}{
			"key":   "k1",
			"value": "v1",
		},
		Payload: map[string]interface{}{"note": "hello"},
	}
	e.SetMeta(MetaTenantID, "tenant-a")
	e.SetMeta(MetaSequence, int64(7))
	e.SetMeta(MetaVectorClock, map[string]interface{}{"node-a": int64(2), "node-b": int64(5)})
	return e
}

func TestBinaryRoundTrip(t *testing.T) {
	e := fixtureEnvelope()

	data, err := EncodeBinary(e)
	require.NoError(t, err)

	decoded, err := DecodeBinary(data)
	require.NoError(t, err)

	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.Type, decoded.Type)
	assert.Equal(t, e.Timestamp, decoded.Timestamp)
	assert.Equal(t, e.Version, decoded.Version)
	assert.Equal(t, e.Sender, decoded.Sender)
	assert.Equal(t, e.Room, decoded.Room)
	assert.Equal(t, e.Channel, decoded.Channel)
	assert.Equal(t, e.Command, decoded.Command)
	assert.Equal(t, "hello", decoded.Payload["note"])
	assert.Equal(t, "k1", decoded.Args["key"])
	assert.Equal(t, "tenant-a", decoded.TenantID())

	seq, ok := decoded.Sequence()
	require.True(t, ok)
	assert.Equal(t, int64(7), seq)
	assert.Equal(t, map[string]int64{"node-a": 2, "node-b": 5}, decoded.VectorClock())
}

func TestBinaryUnknownFieldForwardCompat(t *testing.T) {
	e := fixtureEnvelope()
	data, err := EncodeBinary(e)
	require.NoError(t, err)

	// Append an unknown tag-length-value; decoders must skip it.
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("future-extension"))

	decoded, err := DecodeBinary(data)
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.Command, decoded.Command)
}

func TestCrossCodecAdapter(t *testing.T) {
	e := fixtureEnvelope()

	bin, err := EncodeBinary(e)
	require.NoError(t, err)
	fromBin, err := DecodeBinary(bin)
	require.NoError(t, err)

	jsonBytes, err := fromBin.ToJSON()
	require.NoError(t, err)
	fromJSON, err := FromJSON(jsonBytes)
	require.NoError(t, err)

	assert.Equal(t, e.ID, fromJSON.ID)
	assert.Equal(t, e.Command, fromJSON.Command)
	assert.Equal(t, e.Room, fromJSON.Room)
	assert.Equal(t, "tenant-a", fromJSON.TenantID())
	seq, ok := fromJSON.Sequence()
	require.True(t, ok)
	assert.Equal(t, int64(7), seq)
}

// TestSharedFixtureDecode builds the cross-language contract frame from
// outer fields only (the way other implementations emit it) and checks
// the decoded surface.
func TestSharedFixtureDecode(t *testing.T) {
	var frame []byte
	frame = protowire.AppendTag(frame, frameTraceID, protowire.BytesType)
	frame = protowire.AppendString(frame, "arq_01HZZZZZZZZZZZZZZZZZZZZZZZ")
	frame = protowire.AppendTag(frame, frameTenantID, protowire.BytesType)
	frame = protowire.AppendString(frame, "tenant-fixture")
	frame = protowire.AppendTag(frame, frameRoomID, protowire.BytesType)
	frame = protowire.AppendString(frame, "ops")
	frame = protowire.AppendTag(frame, frameTimestamp, protowire.VarintType)
	frame = protowire.AppendVarint(frame, 1771545600000)
	frame = appendHeaderEntry(frame, HeaderEnvelopeType, TypeCommand)

	body := protowire.AppendTag(nil, bodyType, protowire.BytesType)
	body = protowire.AppendString(body, "op.continuum.projector.status")
	frame = protowire.AppendTag(frame, frameCmd, protowire.BytesType)
	frame = protowire.AppendBytes(frame, body)

	decoded, err := DecodeBinary(frame)
	require.NoError(t, err)
	assert.Equal(t, "arq_01HZZZZZZZZZZZZZZZZZZZZZZZ", decoded.ID)
	assert.Equal(t, TypeCommand, decoded.Type)
	assert.Equal(t, "op.continuum.projector.status", decoded.Command)
	assert.Equal(t, "ops", decoded.Room)
	assert.Equal(t, "tenant-fixture", decoded.TenantID())

	ts, err := ParseTimestamp(decoded.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, int64(1771545600000), ts.UnixMilli())
}

func TestWireDetection(t *testing.T) {
	e := fixtureEnvelope()

	jsonBytes, err := e.ToJSON()
	require.NoError(t, err)
	_, errs, format := ValidateAndParseWire(jsonBytes)
	assert.Empty(t, errs)
	assert.Equal(t, WireJSON, format)

	binBytes, err := EncodeBinary(e)
	require.NoError(t, err)
	_, errs, format = ValidateAndParseWire(binBytes)
	assert.Empty(t, errs)
	assert.Equal(t, WireProtobuf, format)
}
