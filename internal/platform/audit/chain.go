package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const genesis = "GENESIS"

func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.AuditID))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + e.ActorID + "|" + e.ActorRole))
	_, _ = h.Write([]byte("|" + e.ObjectType + "|" + e.ObjectID + "|" + e.Action + "|" + string(e.Result)))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x|%x", []byte(e.Before), []byte(e.After))))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks a chain from genesis and returns the index of the first event
// whose links do not hold, or -1.
func Verify(events []Event) int {
	prev := genesis
	for i, e := range events {
		if e.HashPrev != prev || ComputeHash(prev, e) != e.HashCurr {
			return i
		}
		prev = e.HashCurr
	}
	return -1
}
