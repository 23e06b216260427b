package telemetry

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevelSet(t *testing.T) {
	set := ParseLevelSet("debug, warning,bogus,error")
	assert.True(t, set[LevelDebug])
	assert.True(t, set[LevelWarning])
	assert.True(t, set[LevelError])
	assert.False(t, set[LevelInfo])
	assert.Len(t, set, 3)

	assert.Empty(t, ParseLevelSet(""))
}

func TestLoggerStdoutFiltering(t *testing.T) {
	l := NewLogger("test", ParseLevelSet("warning,error"))
	var buf bytes.Buffer
	l.w = &buf

	l.Log(LevelInfo, "mod", "quiet %d", 1)
	assert.Empty(t, buf.String())

	l.Log(LevelWarning, "mod", "loud %d", 2)
	out := buf.String()
	assert.Contains(t, out, "test [warning] mod: loud 2")
}

func TestLoggerSinkRouting(t *testing.T) {
	l := NewLogger("test", LevelSet{})

	type record struct {
		level   Level
		module  string
		message string
	}
	var got []record
	l.AddSink(ParseLevelSet("success,critical"), func(level Level, process, module, message string) {
		assert.Equal(t, "test", process)
		got = append(got, record{level, module, message})
	})

	l.Log(LevelDebug, "a", "skipped")
	l.Log(LevelSuccess, "b", "kept %s", "one")
	l.Log(LevelCritical, "c", "kept two")

	require.Len(t, got, 2)
	assert.Equal(t, record{LevelSuccess, "b", "kept one"}, got[0])
	assert.Equal(t, record{LevelCritical, "c", "kept two"}, got[1])
}

func TestLogSlow(t *testing.T) {
	l := NewLogger("test", LevelSet{})
	var warnings []string
	l.AddSink(ParseLevelSet("warning"), func(_ Level, _, _, message string) {
		warnings = append(warnings, message)
	})

	ran := false
	l.LogSlow("mod", "fast thing", time.Hour, func() { ran = true })
	assert.True(t, ran)
	assert.Empty(t, warnings)

	l.LogSlow("mod", "slow thing", 0, func() { time.Sleep(time.Millisecond) })
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "slow thing")
}
