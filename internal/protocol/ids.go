package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Canonical id shapes: arq_<ns_ts>_<counter>_<hex6> or arq_<26-char ULID>.
var (
	messageIDPattern = regexp.MustCompile(`^arq_\d+_\d+_[0-9a-f]{6}$`)
	ulidIDPattern    = regexp.MustCompile(`^arq_[0-9A-HJKMNP-TV-Z]{26}$`)
)

var idCounter atomic.Uint64

// GenerateMessageID produces a process-monotonic envelope id. Monotonicity
// comes from the nanosecond timestamp plus the counter; cross-process
// uniqueness from the random hex suffix.
func GenerateMessageID() string {
	return fmt.Sprintf("arq_%d_%d_%s", time.Now().UnixNano(), idCounter.Add(1), randomHex(3))
}

// GenerateULIDID produces the ULID form of an envelope id.
func GenerateULIDID() string {
	return "arq_" + ulid.Make().String()
}

// ValidMessageID reports whether the id matches either canonical shape.
func ValidMessageID(id string) bool {
	return messageIDPattern.MatchString(id) || ulidIDPattern.MatchString(id)
}

// GenerateClientID assigns a connection identity.
func GenerateClientID() string {
	return "client_" + uuid.NewString()[:8]
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// the counter so ids stay unique within the process.
		return fmt.Sprintf("%06x", idCounter.Add(1)&0xffffff)
	}
	return hex.EncodeToString(buf)
}
