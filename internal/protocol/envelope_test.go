package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMessageIDShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateMessageID()
		if !ValidMessageID(id) {
			t.Fatalf("generated id does not match canonical shape: %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestULIDIDShape(t *testing.T) {
	id := GenerateULIDID()
	assert.True(t, ValidMessageID(id), "ulid id should be valid: %s", id)
	assert.True(t, ValidMessageID("arq_01HZZZZZZZZZZZZZZZZZZZZZZZ"))
	assert.False(t, ValidMessageID("msg_123"))
	assert.False(t, ValidMessageID("arq_abc_def_zzzzzz"))
}

func TestJSONRoundTrip(t *testing.T) {
	e := NewMessage("client_abc", "science", "general", map[string]interface{}{
		"content": "Hello World from SDK",
	})
	e.SetMeta(MetaTenantID, "tenant-a")
	e.SetMeta(MetaSequence, float64(3))

	data, err := e.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, TypeMessage, decoded.Type)
	assert.Equal(t, "Hello World from SDK", decoded.Payload["content"])
	assert.Equal(t, "tenant-a", decoded.TenantID())

	seq, ok := decoded.Sequence()
	require.True(t, ok)
	assert.Equal(t, int64(3), seq)
}

func TestValidateRejectsMalformed(t *testing.T) {
	e := &Envelope{ID: "bogus", Type: "message", Timestamp: Now()}
	errs := Validate(e)
	if len(errs) == 0 {
		t.Fatal("expected validation errors for malformed envelope")
	}
}

func TestValidateVectorClockLiteral(t *testing.T) {
	e := NewMessage("c", "ops", "events", nil)
	e.SetMeta(MetaVectorClock, map[string]interface{}{"node-a": float64(-1)})
	errs := Validate(e)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs, ErrVectorClockValues)

	e.SetMeta(MetaVectorClock, map[string]interface{}{"node-a": float64(2)})
	assert.Empty(t, Validate(e))
}

func TestValidateCommandRequiresCommand(t *testing.T) {
	e := NewEnvelope(TypeCommand, "client_test")
	errs := Validate(e)
	assert.Contains(t, errs, "command envelopes require a command string")

	e.Command = "op.store.set"
	assert.Empty(t, Validate(e))
}

func TestCloneIsDeep(t *testing.T) {
	e := NewMessage("c", "r", "ch", map[string]interface{}{
		"nested": map[string]interface{}{"secret": "v"},
	})
	c := e.Clone()
	c.Payload["nested"].(map[string]interface{})["secret"] = "***"
	assert.Equal(t, "v", e.Payload["nested"].(map[string]interface{})["secret"])
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator()
	if got := g.Next("tenant-a"); got != 1 {
		t.Fatalf("first sequence = %d, want 1", got)
	}
	if got := g.Next("tenant-a"); got != 2 {
		t.Fatalf("second sequence = %d, want 2", got)
	}
	if got := g.Next("tenant-b"); got != 1 {
		t.Fatalf("isolated domain sequence = %d, want 1", got)
	}
}

func TestVectorClockCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b map[string]int64
		want string
	}{
		{"equal", map[string]int64{"x": 1}, map[string]int64{"x": 1}, ClockEqual},
		{"before", map[string]int64{"x": 1}, map[string]int64{"x": 2}, ClockBefore},
		{"after", map[string]int64{"x": 3, "y": 1}, map[string]int64{"x": 1, "y": 1}, ClockAfter},
		{"concurrent", map[string]int64{"x": 2, "y": 0}, map[string]int64{"x": 0, "y": 2}, ClockConcurrent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, VectorClockCompare(tc.a, tc.b))
		})
	}
}

func TestVectorClockMerge(t *testing.T) {
	merged := VectorClockMerge(map[string]int64{"a": 2, "b": 1}, map[string]int64{"b": 3, "c": 5})
	assert.Equal(t, map[string]int64{"a": 2, "b": 3, "c": 5}, merged)
}
