// Package ops implements the standard operator pack: the tenant KV
// store, webhook rules, and cron scheduling, together with their
// command lane bindings.
package ops

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// randomID builds ids like "wh_3f9a1c0d52be": prefix plus 12 hex chars.
func randomID(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s_%012x", prefix, time.Now().UnixNano()&0xffffffffffff)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
