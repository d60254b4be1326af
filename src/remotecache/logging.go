package remotecache

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("remotecache")

// errKind distinguishes the two error-counter maps a Runner keeps.
type errKind int

const (
	readErr errKind = iota
	writeErr
)

// errorLogger implements the adaptive throttle of spec.md §4.6: every
// distinct error string gets its own occurrence counter, and WarningsBehavior
// decides which occurrences are worth elevating to Warn rather than Debug.
type errorLogger struct {
	behavior WarningsBehavior

	mu        sync.Mutex
	reads     map[string]int
	writes    map[string]int
	firstSeen map[string]time.Time
}

func newErrorLogger(behavior WarningsBehavior) *errorLogger {
	return &errorLogger{
		behavior:  behavior,
		reads:     map[string]int{},
		writes:    map[string]int{},
		firstSeen: map[string]time.Time{},
	}
}

func (l *errorLogger) log(kind errKind, err error) {
	text := err.Error()
	l.mu.Lock()
	counts := l.reads
	if kind == writeErr {
		counts = l.writes
	}
	counts[text]++
	count := counts[text]
	first, ok := l.firstSeen[text]
	if !ok {
		first = time.Now()
		l.firstSeen[text] = first
	}
	l.mu.Unlock()

	direction := "read from"
	if kind == writeErr {
		direction = "write to"
	}
	msg := formatCacheErrorLog(direction, count, text, first)
	if l.shouldWarn(count) {
		log.Warning("%s", msg)
	} else {
		log.Debug("%s", msg)
	}
}

func (l *errorLogger) shouldWarn(count int) bool {
	switch l.behavior {
	case Ignore:
		return false
	case FirstOnly:
		return count == 1
	case Backoff:
		return isPowerOfTwo(count)
	default:
		return false
	}
}

func formatCacheErrorLog(direction string, count int, text string, first time.Time) string {
	return fmt.Sprintf("Failed to %s remote cache (%d occurrences since %s): %s", direction, count, humanize.Time(first), text)
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
