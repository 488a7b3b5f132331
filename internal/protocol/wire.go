package protocol

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Binary wire layout. The outer frame carries the interop surface shared
// with other implementations; the nested bus payload carries the full
// envelope so that decode(encode(E)) == E on every field.
//
// Frame:
//	1 trace_id        string   envelope id
//	2 tenant_id       string   metadata.tenant_id
//	3 room_id         string
//	4 timestamp_ms    varint   epoch milliseconds
//	5 twist_id        string
//	6 headers         map<string,string> (key=1, value=2)
//	7 cmd | 8 event | 9 signal   Body (oneof by envelope type)
//
// Body:
//	1 type   string   command name for cmd bodies, envelope type otherwise
//	2 bus    BusPayload
//
// BusPayload:
//	1 envelope_id  2 envelope_type  3 version      4 sender
//	5 channel      6 command        7 request_id   8 status
//	9 error       10 error_code    11 from_client 12 to_client
//	13 payload Struct  14 args Struct  15 metadata Struct
//	16 timestamp string
//
// Unknown tags are skipped on decode for forward compatibility.
const (
	frameTraceID   = 1
	frameTenantID  = 2
	frameRoomID    = 3
	frameTimestamp = 4
	frameTwistID   = 5
	frameHeaders   = 6
	frameCmd       = 7
	frameEvent     = 8
	frameSignal    = 9
)

const (
	bodyType = 1
	bodyBus  = 2
)

const (
	busEnvelopeID   = 1
	busEnvelopeType = 2
	busVersion      = 3
	busSender       = 4
	busChannel      = 5
	busCommand      = 6
	busRequestID    = 7
	busStatus       = 8
	busError        = 9
	busErrorCode    = 10
	busFromClient   = 11
	busToClient     = 12
	busPayload      = 13
	busArgs         = 14
	busMetadata     = 15
	busTimestamp    = 16
)

// HeaderEnvelopeType is the headers map key carrying the envelope type.
const HeaderEnvelopeType = "envelope_type"

// MetaTwistID is the metadata key mirrored into the outer frame.
const MetaTwistID = "twist_id"

// EncodeBinary serializes the envelope to the binary wire format.
func EncodeBinary(e *Envelope) ([]byte, error) {
	bus, err := encodeBusPayload(e)
	if err != nil {
		return nil, err
	}

	body := protowire.AppendTag(nil, bodyType, protowire.BytesType)
	if e.Type == TypeCommand && e.Command != "" {
		body = protowire.AppendString(body, e.Command)
	} else {
		body = protowire.AppendString(body, e.Type)
	}
	body = protowire.AppendTag(body, bodyBus, protowire.BytesType)
	body = protowire.AppendBytes(body, bus)

	var buf []byte
	buf = appendStringField(buf, frameTraceID, e.ID)
	buf = appendStringField(buf, frameTenantID, e.TenantID())
	buf = appendStringField(buf, frameRoomID, e.Room)

	if ts, err := ParseTimestamp(e.Timestamp); err == nil {
		buf = protowire.AppendTag(buf, frameTimestamp, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(ts.UnixMilli()))
	}

	if e.Metadata != nil {
		if twist, ok := e.Metadata[MetaTwistID].(string); ok {
			buf = appendStringField(buf, frameTwistID, twist)
		}
	}

	buf = appendHeaderEntry(buf, HeaderEnvelopeType, e.Type)

	bodyField := frameEvent
	switch e.Type {
	case TypeCommand:
		bodyField = frameCmd
	case TypeResponse, TypeOperatorResult:
		bodyField = frameSignal
	}
	buf = protowire.AppendTag(buf, protowire.Number(bodyField), protowire.BytesType)
	buf = protowire.AppendBytes(buf, body)

	return buf, nil
}

// DecodeBinary parses an envelope from the binary wire format. Frames
// produced by other implementations may omit the bus payload; the outer
// fields are used as fallback so the shared fixture decodes identically.
func DecodeBinary(data []byte) (*Envelope, error) {
	e := &Envelope{}
	var timestampMS uint64
	headers := map[string]string{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case frameTraceID, frameTenantID, frameRoomID, frameTwistID:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			switch num {
			case frameTraceID:
				e.ID = s
			case frameTenantID:
				if s != "" {
					e.SetMeta(MetaTenantID, s)
				}
			case frameRoomID:
				e.Room = s
			case frameTwistID:
				if s != "" {
					e.SetMeta(MetaTwistID, s)
				}
			}
		case frameTimestamp:
			if typ != protowire.VarintType {
				return nil, fmt.Errorf("frame timestamp: unexpected wire type %v", typ)
			}
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			timestampMS = v
			data = data[n:]
		case frameHeaders:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			k, v, err := decodeHeaderEntry(b)
			if err != nil {
				return nil, err
			}
			headers[k] = v
		case frameCmd, frameEvent, frameSignal:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			if err := decodeBody(b, e); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	if e.Type == "" {
		e.Type = headers[HeaderEnvelopeType]
	}
	if e.Timestamp == "" && timestampMS > 0 {
		e.Timestamp = time.UnixMilli(int64(timestampMS)).UTC().Format(time.RFC3339)
	}
	return e, nil
}

func decodeBody(data []byte, e *Envelope) error {
	var bodyTypeVal string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case bodyType:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			data = data[n:]
			bodyTypeVal = s
		case bodyBus:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			data = data[n:]
			if err := decodeBusPayload(b, e); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	// Command frames without a bus payload carry the command name in the
	// body type field.
	if e.Command == "" && bodyTypeVal != "" && !validTypes[bodyTypeVal] {
		e.Command = bodyTypeVal
		if e.Type == "" {
			e.Type = TypeCommand
		}
	}
	return nil
}

func encodeBusPayload(e *Envelope) ([]byte, error) {
	var buf []byte
	buf = appendStringField(buf, busEnvelopeID, e.ID)
	buf = appendStringField(buf, busEnvelopeType, e.Type)
	buf = appendStringField(buf, busVersion, e.Version)
	buf = appendStringField(buf, busSender, e.Sender)
	buf = appendStringField(buf, busChannel, e.Channel)
	buf = appendStringField(buf, busCommand, e.Command)
	buf = appendStringField(buf, busRequestID, e.RequestID)
	buf = appendStringField(buf, busStatus, e.Status)
	buf = appendStringField(buf, busError, e.Error)
	buf = appendStringField(buf, busErrorCode, e.ErrorCode)
	buf = appendStringField(buf, busFromClient, e.FromClient)
	buf = appendStringField(buf, busToClient, e.ToClient)

	var err error
	if buf, err = appendStructField(buf, busPayload, e.Payload); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	if buf, err = appendStructField(buf, busArgs, e.Args); err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	if buf, err = appendStructField(buf, busMetadata, e.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	buf = appendStringField(buf, busTimestamp, e.Timestamp)
	return buf, nil
}

func decodeBusPayload(data []byte, e *Envelope) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case busPayload, busArgs, busMetadata:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			data = data[n:]
			m, err := decodeStruct(b)
			if err != nil {
				return err
			}
			switch num {
			case busPayload:
				e.Payload = m
			case busArgs:
				e.Args = m
			case busMetadata:
				e.Metadata = coerceMetadataInts(m)
			}
		default:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			data = data[n:]
			switch num {
			case busEnvelopeID:
				e.ID = s
			case busEnvelopeType:
				e.Type = s
			case busVersion:
				e.Version = s
			case busSender:
				e.Sender = s
			case busChannel:
				e.Channel = s
			case busCommand:
				e.Command = s
			case busRequestID:
				e.RequestID = s
			case busStatus:
				e.Status = s
			case busError:
				e.Error = s
			case busErrorCode:
				e.ErrorCode = s
			case busFromClient:
				e.FromClient = s
			case busToClient:
				e.ToClient = s
			case busTimestamp:
				e.Timestamp = s
			}
		}
	}
	return nil
}

func appendStringField(buf []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

func appendStructField(buf []byte, num protowire.Number, m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return buf, nil
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	b, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, b), nil
}

func decodeStruct(data []byte) (map[string]interface{}, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("struct decode: %w", err)
	}
	return st.AsMap(), nil
}

// coerceMetadataInts restores integer types for metadata.sequence and
// metadata.vector_clock values, which Struct decoding yields as floats.
func coerceMetadataInts(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	if seq, ok := coerceInt(m[MetaSequence]); ok {
		m[MetaSequence] = seq
	}
	if vc, ok := m[MetaVectorClock].(map[string]interface{}); ok {
		for node, v := range vc {
			if n, ok := coerceInt(v); ok {
				vc[node] = n
			}
		}
	}
	return m
}

func appendHeaderEntry(buf []byte, key, value string) []byte {
	entry := appendStringField(nil, 1, key)
	entry = appendStringField(entry, 2, value)
	buf = protowire.AppendTag(buf, frameHeaders, protowire.BytesType)
	return protowire.AppendBytes(buf, entry)
}

func decodeHeaderEntry(data []byte) (string, string, error) {
	var key, value string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		data = data[n:]
		s, n, err := consumeString(data, typ)
		if err != nil {
			return "", "", err
		}
		data = data[n:]
		switch num {
		case 1:
			key = s
		case 2:
			value = s
		}
	}
	return key, value, nil
}

func consumeString(data []byte, typ protowire.Type) (string, int, error) {
	b, n, err := consumeBytes(data, typ)
	return string(b), n, err
}

func consumeBytes(data []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %v", typ)
	}
	b, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return b, n, nil
}
