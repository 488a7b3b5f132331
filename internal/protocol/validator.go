package protocol

import "fmt"

// Wire formats detected by ValidateAndParseWire.
const (
	WireJSON     = "json"
	WireProtobuf = "protobuf"
)

// ErrVectorClockValues is the literal emitted when vector_clock carries
// anything other than non-negative integers.
const ErrVectorClockValues = "vector_clock values must be non-negative integers"

var validTypes = map[string]bool{
	TypeMessage:        true,
	TypeCommand:        true,
	TypeResponse:       true,
	TypeTelemetry:      true,
	TypeOperatorResult: true,
	TypeOperatorJoin:   true,
}

// Validate returns a list of human-readable problems with the envelope.
// An empty list means the envelope is valid.
func Validate(e *Envelope) []string {
	var errs []string

	if e.ID == "" {
		errs = append(errs, "envelope id is required")
	} else if !ValidMessageID(e.ID) {
		errs = append(errs, fmt.Sprintf("invalid envelope id: %s", e.ID))
	}

	if e.Type == "" {
		errs = append(errs, "envelope type is required")
	} else if !validTypes[e.Type] {
		errs = append(errs, fmt.Sprintf("unknown envelope type: %s", e.Type))
	}

	if e.Timestamp == "" {
		errs = append(errs, "envelope timestamp is required")
	} else if _, err := ParseTimestamp(e.Timestamp); err != nil {
		errs = append(errs, err.Error())
	}

	switch e.Type {
	case TypeCommand:
		if e.Command == "" {
			errs = append(errs, "command envelopes require a command string")
		}
	case TypeMessage, TypeTelemetry:
		if e.Room == "" && e.ToClient == "" {
			errs = append(errs, "routed envelopes require a room")
		}
	}

	errs = append(errs, validateMetadata(e)...)
	return errs
}

func validateMetadata(e *Envelope) []string {
	if e.Metadata == nil {
		return nil
	}
	var errs []string

	if raw, present := e.Metadata[MetaSequence]; present {
		if seq, ok := coerceInt(raw); !ok || seq < 0 {
			errs = append(errs, "metadata.sequence must be a non-negative integer")
		}
	}

	if raw, present := e.Metadata[MetaVectorClock]; present {
		vc, ok := raw.(map[string]interface{})
		if !ok {
			errs = append(errs, ErrVectorClockValues)
		} else {
			for _, v := range vc {
				n, ok := coerceInt(v)
				if !ok || n < 0 {
					errs = append(errs, ErrVectorClockValues)
					break
				}
			}
		}
	}
	return errs
}

// ValidateAndParseWire detects the wire format of raw bytes, decodes the
// envelope, and validates it. Frames whose first non-space byte is `{`
// are treated as JSON; everything else is tried as binary.
func ValidateAndParseWire(data []byte) (*Envelope, []string, string) {
	if len(data) > 0 && data[0] == '{' {
		env, err := FromJSON(data)
		if err != nil {
			return nil, []string{err.Error()}, WireJSON
		}
		return env, Validate(env), WireJSON
	}

	env, err := DecodeBinary(data)
	if err != nil {
		return nil, []string{fmt.Sprintf("binary envelope decode: %v", err)}, WireProtobuf
	}
	return env, Validate(env), WireProtobuf
}
