// Package monitoring carries the gear's diagnostic logging. Besides the
// swappable package logger it provides Capture, which tees log output into
// an in-memory buffer so each subject/session run can ship its own log
// file alongside the derivatives.
package monitoring

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Capture records log lines for one subject/session while still passing
// them through to the previous logger.
type Capture struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	prev func(format string, v ...interface{})
}

// StartCapture installs a capturing logger and returns it. Call Stop to
// restore the previous logger.
func StartCapture() *Capture {
	c := &Capture{prev: Logf}
	Logf = func(format string, v ...interface{}) {
		c.mu.Lock()
		fmt.Fprintf(&c.buf, time.Now().Format("2006-01-02 15:04:05")+" - "+format+"\n", v...)
		c.mu.Unlock()
		if c.prev != nil {
			c.prev(format, v...)
		}
	}
	return c
}

// Stop restores the logger that was active when the capture started.
func (c *Capture) Stop() {
	Logf = c.prev
}

// String returns the captured log contents.
func (c *Capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
