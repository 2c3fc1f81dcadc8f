package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/kataras/golog"
)

func TestLine(t *testing.T) {
	t.Run("message only", func(t *testing.T) {
		if got := Line("recovery complete"); got != "recovery complete" {
			t.Errorf("Line = %q", got)
		}
	})

	t.Run("fields render in order", func(t *testing.T) {
		got := Line("checkpoint corrupt",
			Thread("t1"), Checkpoint("01ABC"), Err(errors.New("crc mismatch")))
		want := "checkpoint corrupt thread=t1 checkpoint=01ABC error=crc mismatch"
		if got != want {
			t.Errorf("Line = %q, want %q", got, want)
		}
	})

	t.Run("ad-hoc field", func(t *testing.T) {
		got := Line("collected orphans", F("count", 3), Path("/data/checkpoints"))
		if !strings.Contains(got, "count=3") || !strings.Contains(got, "path=/data/checkpoints") {
			t.Errorf("Line = %q", got)
		}
	})
}

func TestGolog(t *testing.T) {
	newBufferedGolog := func(level string) (*Golog, *bytes.Buffer) {
		var buf bytes.Buffer
		l := golog.New()
		l.SetOutput(&buf)
		l.SetTimeFormat("")
		l.SetLevel(level)
		return NewGolog(l), &buf
	}

	t.Run("warn renders message and fields", func(t *testing.T) {
		logger, buf := newBufferedGolog("warn")
		logger.Warn("checkpoint corrupt, trying previous",
			Thread("t1"), Checkpoint("01ABC"))

		out := buf.String()
		if !strings.Contains(out, "checkpoint corrupt, trying previous") {
			t.Errorf("output missing message: %q", out)
		}
		if !strings.Contains(out, "thread=t1") || !strings.Contains(out, "checkpoint=01ABC") {
			t.Errorf("output missing fields: %q", out)
		}
	})

	t.Run("level filtering is golog's", func(t *testing.T) {
		logger, buf := newBufferedGolog("error")
		logger.Debug("hidden")
		logger.Info("hidden")
		logger.Warn("hidden")
		if got := buf.String(); strings.Contains(got, "hidden") {
			t.Errorf("suppressed levels leaked: %q", got)
		}
		logger.Error("index write failed", Err(errors.New("disk full")))
		if !strings.Contains(buf.String(), "index write failed error=disk full") {
			t.Errorf("error line missing: %q", buf.String())
		}
	})

	t.Run("SetLevel reroutes", func(t *testing.T) {
		logger, buf := newBufferedGolog("error")
		logger.Info("before")
		logger.SetLevel("debug")
		logger.Info("after")
		out := buf.String()
		if strings.Contains(out, "before") || !strings.Contains(out, "after") {
			t.Errorf("SetLevel not honored: %q", out)
		}
	})

	t.Run("Default is one shared instance", func(t *testing.T) {
		if Default() == nil || Default() != Default() {
			t.Error("Default must return one shared instance")
		}
	})
}

func TestNopLogger(t *testing.T) {
	// Nop must satisfy the interface and do nothing, not panic.
	var logger Logger = Nop{}
	logger.Debug("d", Thread("t"))
	logger.Info("i")
	logger.Warn("w", Err(errors.New("x")))
	logger.Error("e")
}
