// Package diagnostics provides the leveled, tag-filtered logging channel the
// instrumentation probes and the reconnect machinery emit through. Records
// are kept in a bounded ring for the HTTP API and forwarded to the standard
// logger for the file tee.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keyframed/relayd/internal/logutil"
)

// Level controls which messages a channel emits. Ordering is strict:
// a channel at Warn emits error and warn, suppresses info and below.
type Level int

const (
	Silent Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelVerbose
)

var levelNames = map[Level]string{
	Silent:       "silent",
	LevelError:   "error",
	LevelWarn:    "warn",
	LevelInfo:    "info",
	LevelDebug:   "debug",
	LevelVerbose: "verbose",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel converts a level name to a Level. Unknown names are an error so
// config typos surface instead of silently logging nothing.
func ParseLevel(name string) (Level, error) {
	for l, n := range levelNames {
		if n == name {
			return l, nil
		}
	}
	return Silent, fmt.Errorf("unknown log level %q", name)
}

// maxRecords bounds the in-memory record ring.
const maxRecords = 500

// Record is one emitted diagnostic message.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

// Channel is a leveled, tag-filtered diagnostics sink. When a message
// carries tags, it is suppressed unless at least one of them is enabled;
// untagged messages pass the tag filter unconditionally.
type Channel struct {
	mu          sync.Mutex
	level       Level
	enabledTags map[string]bool
	records     []Record
	sink        func(format string, args ...any) // injectable for tests
}

// New creates a Channel emitting at the given level with no tags enabled.
func New(level Level) *Channel {
	return &Channel{
		level:       level,
		enabledTags: make(map[string]bool),
		sink:        log.Printf,
	}
}

// SetLevel changes the channel's emission level.
func (c *Channel) SetLevel(level Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = level
}

// Level returns the channel's current emission level.
func (c *Channel) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// EnableTags adds tags to the enabled set.
func (c *Channel) EnableTags(tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tags {
		c.enabledTags[t] = true
	}
}

// DisableTags removes tags from the enabled set.
func (c *Channel) DisableTags(tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tags {
		delete(c.enabledTags, t)
	}
}

// EnabledTags returns the enabled tag set, sorted.
func (c *Channel) EnabledTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]string, 0, len(c.enabledTags))
	for t := range c.enabledTags {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Log emits one message if it passes the level and tag filters.
func (c *Channel) Log(level Level, source, message string, data map[string]any, tags ...string) {
	if level == Silent {
		return
	}

	c.mu.Lock()
	if level > c.level {
		c.mu.Unlock()
		return
	}
	if len(tags) > 0 {
		enabled := false
		for _, t := range tags {
			if c.enabledTags[t] {
				enabled = true
				break
			}
		}
		if !enabled {
			c.mu.Unlock()
			return
		}
	}

	rec := Record{
		Timestamp: time.Now(),
		Level:     level.String(),
		Source:    source,
		Message:   message,
		Data:      data,
		Tags:      tags,
	}
	c.records = append(c.records, rec)
	if len(c.records) > maxRecords {
		c.records = c.records[len(c.records)-maxRecords:]
	}
	sink := c.sink
	c.mu.Unlock()

	line := fmt.Sprintf("[%s] %s: %s", source, level, logutil.SanitizeForLog(message))
	if len(data) > 0 {
		if b, err := json.Marshal(data); err == nil {
			line += " " + logutil.SanitizeForLog(string(b))
		}
	}
	if len(tags) > 0 {
		line += " tags=" + logutil.SanitizeForLog(strings.Join(tags, ","))
	}
	sink("%s", line)
}

func (c *Channel) Error(source, message string, data map[string]any, tags ...string) {
	c.Log(LevelError, source, message, data, tags...)
}

func (c *Channel) Warn(source, message string, data map[string]any, tags ...string) {
	c.Log(LevelWarn, source, message, data, tags...)
}

func (c *Channel) Info(source, message string, data map[string]any, tags ...string) {
	c.Log(LevelInfo, source, message, data, tags...)
}

func (c *Channel) Debug(source, message string, data map[string]any, tags ...string) {
	c.Log(LevelDebug, source, message, data, tags...)
}

func (c *Channel) Verbose(source, message string, data map[string]any, tags ...string) {
	c.Log(LevelVerbose, source, message, data, tags...)
}

// Recent returns up to n of the most recent records, oldest first.
func (c *Channel) Recent(n int) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.records
	if len(records) > n {
		records = records[len(records)-n:]
	}
	out := make([]Record, len(records))
	copy(out, records)
	return out
}
