package relay

import (
	"bufio"
	"io"
	"strings"
)

// UsageCollector sniffs an SSE stream line by line for usage events. It is
// single-pass and buffers nothing beyond the current line: message_start is
// parsed once, each message_delta overwrites the output count, and
// message_stop latches the state and fires the callback exactly once.
// If the stream ends without message_stop the callback never fires.
type UsageCollector struct {
	usage        Usage
	currentEvent string
	sawStart     bool
	fired        bool
	onUsage      func(Usage)
}

func NewUsageCollector(accountID string, onUsage func(Usage)) *UsageCollector {
	return &UsageCollector{
		usage:   Usage{AccountID: accountID},
		onUsage: onUsage,
	}
}

// FeedLine consumes one SSE line without its trailing newline. A trailing
// CR is tolerated.
func (c *UsageCollector) FeedLine(line string) {
	if c.fired {
		return
	}
	line = strings.TrimSuffix(line, "\r")

	switch {
	case strings.HasPrefix(line, "event:"):
		c.currentEvent = strings.TrimSpace(line[len("event:"):])
		if c.currentEvent == "message_stop" {
			c.latch()
		}
	case strings.HasPrefix(line, "data:"):
		data := strings.TrimSpace(line[len("data:"):])
		switch c.currentEvent {
		case "message_start":
			if !c.sawStart {
				ParseMessageStart([]byte(data), &c.usage)
				c.sawStart = true
			}
		case "message_delta":
			ParseMessageDelta([]byte(data), &c.usage)
		}
	case line == "":
		c.currentEvent = ""
	}
}

func (c *UsageCollector) latch() {
	c.fired = true
	if c.onUsage != nil {
		c.onUsage(c.usage)
	}
}

// Fired reports whether message_stop was observed.
func (c *UsageCollector) Fired() bool { return c.fired }

// NewSSEScanner wraps a reader with a line scanner sized for SSE payloads.
func NewSSEScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	return s
}
