// Package crash implements the process-wide fault handler and the
// durable, consume-once crash report store.
//
// The handler runs synchronously on the faulting goroutine: it builds
// a report, completes a blocking durable write, and only then chains
// to the previous handler. It must survive the very failure it is
// reporting, so any internal fault is swallowed and logged.
package crash

import (
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Report kinds.
const (
	KindCrash = "crash"
	KindANR   = "anr"
)

// Report is a persisted fault record, consumed at most once by
// LoadAndClear at the next launch.
type Report struct {
	Kind          string            `json:"kind"`
	Timestamp     time.Time         `json:"timestamp"`
	SessionID     string            `json:"sessionId"`
	ThreadName    string            `json:"threadName"`
	ExceptionType string            `json:"exceptionType"`
	Message       string            `json:"message"`
	StackTrace    string            `json:"stackTrace"`
	Fingerprint   string            `json:"fingerprint"`
	DeviceInfo    map[string]string `json:"deviceInfo,omitempty"`
}

// fingerprintLines is how many stack lines participate in the
// deduplication fingerprint.
const fingerprintLines = 6

// fingerprintHexLen is the length of the short hex prefix taken from
// the hash.
const fingerprintHexLen = 16

// volatilePattern matches runtime-specific substrings that vary
// between otherwise identical crashes: memory addresses and
// object-identity hashes.
var volatilePattern = regexp.MustCompile(`0x[0-9a-fA-F]+|@[0-9a-f]{6,}`)

// Fingerprint derives a stable identifier from an exception type and
// its formatted stack trace. Crashes that differ only in addresses or
// identity hashes share a fingerprint and group into one issue.
func Fingerprint(exceptionType, stackTrace string) string {
	lines := strings.Split(stackTrace, "\n")
	if len(lines) > fingerprintLines {
		lines = lines[:fingerprintLines]
	}
	stripped := volatilePattern.ReplaceAllString(strings.Join(lines, "\n"), "")

	sum := blake3.Sum256([]byte(exceptionType + "\n" + stripped))
	return hex.EncodeToString(sum[:])[:fingerprintHexLen]
}
