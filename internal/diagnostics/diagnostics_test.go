package diagnostics

import (
	"fmt"
	"strings"
	"testing"
)

// captureSink replaces the channel's sink and collects emitted lines.
func captureSink(c *Channel) *[]string {
	var lines []string
	c.sink = func(format string, args ...any) {
		line := fmt.Sprintf(format, args...)
		lines = append(lines, line)
	}
	return &lines
}

func TestLevelOrdering(t *testing.T) {
	c := New(LevelError)
	lines := captureSink(c)

	c.Error("test", "boom", nil)
	c.Warn("test", "careful", nil)
	c.Info("test", "fyi", nil)
	c.Debug("test", "detail", nil)
	c.Verbose("test", "noise", nil)

	if len(*lines) != 1 {
		t.Fatalf("expected 1 emitted line at error level, got %d: %v", len(*lines), *lines)
	}
	if !strings.Contains((*lines)[0], "boom") {
		t.Errorf("expected error message, got: %s", (*lines)[0])
	}
}

func TestSilentSuppressesEverything(t *testing.T) {
	c := New(Silent)
	lines := captureSink(c)

	c.Error("test", "boom", nil)
	c.Log(Silent, "test", "nothing", nil)

	if len(*lines) != 0 {
		t.Fatalf("expected no output at silent level, got %v", *lines)
	}
}

func TestTagFiltering(t *testing.T) {
	c := New(LevelVerbose)
	lines := captureSink(c)

	c.EnableTags("B")
	c.Info("test", "tagged-a", nil, "A")
	if len(*lines) != 0 {
		t.Fatalf("message tagged A should be suppressed when only B enabled, got %v", *lines)
	}

	c.EnableTags("A")
	c.Info("test", "tagged-a", nil, "A")
	if len(*lines) != 1 {
		t.Fatalf("message tagged A should emit when A enabled, got %d lines", len(*lines))
	}
}

func TestUntaggedMessagesPassTagFilter(t *testing.T) {
	c := New(LevelInfo)
	lines := captureSink(c)

	c.EnableTags("A")
	c.Info("test", "untagged", nil)
	if len(*lines) != 1 {
		t.Fatalf("untagged message should always pass tag filter, got %d lines", len(*lines))
	}
}

func TestDisableTags(t *testing.T) {
	c := New(LevelInfo)
	lines := captureSink(c)

	c.EnableTags("ws", "fetch")
	c.DisableTags("ws")
	c.Info("test", "ws msg", nil, "ws")
	if len(*lines) != 0 {
		t.Fatalf("disabled tag should suppress, got %v", *lines)
	}

	got := c.EnabledTags()
	if len(got) != 1 || got[0] != "fetch" {
		t.Errorf("expected enabled tags [fetch], got %v", got)
	}
}

func TestRecentRingBounded(t *testing.T) {
	c := New(LevelInfo)
	c.sink = func(format string, args ...any) {}

	for i := 0; i < maxRecords+50; i++ {
		c.Info("test", "msg", nil)
	}
	recent := c.Recent(maxRecords * 2)
	if len(recent) != maxRecords {
		t.Fatalf("expected ring capped at %d, got %d", maxRecords, len(recent))
	}
}

func TestRecentReturnsNewest(t *testing.T) {
	c := New(LevelInfo)
	c.sink = func(format string, args ...any) {}

	c.Info("test", "first", nil)
	c.Info("test", "second", nil)
	c.Info("test", "third", nil)

	recent := c.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].Message != "second" || recent[1].Message != "third" {
		t.Errorf("expected [second third], got [%s %s]", recent[0].Message, recent[1].Message)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		name  string
		want  Level
		valid bool
	}{
		{"silent", Silent, true},
		{"error", LevelError, true},
		{"warn", LevelWarn, true},
		{"info", LevelInfo, true},
		{"debug", LevelDebug, true},
		{"verbose", LevelVerbose, true},
		{"trace", Silent, false},
		{"", Silent, false},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.name)
		if tc.valid && err != nil {
			t.Errorf("ParseLevel(%q): unexpected error: %v", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("ParseLevel(%q): expected error", tc.name)
		}
		if tc.valid && got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
