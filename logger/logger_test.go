package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_LogConfiguration_logLevel(t *testing.T) {
	var cases = []struct {
		name  string
		level slog.Level
	}{
		{"", slog.LevelInfo},
		{"error", slog.LevelError},
		{"InfO", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"WARN", slog.LevelWarn},
		{"DEBUG", slog.LevelDebug},
		{"NONE", levelNone},
		{"info-1", slog.LevelInfo - 1},
		{"info+1", slog.LevelInfo + 1},
	}

	for _, tc := range cases {
		cfg := LogConfiguration{Level: tc.name}
		if lvl := cfg.logLevel(); lvl != tc.level {
			t.Errorf("expected %q to return %d (%s) but got %d (%s)", tc.name, tc.level, tc.level, lvl, lvl)
		}
	}

	// special case - when OutputPath is "discard" return levelNone
	cfg := LogConfiguration{Level: "info", OutputPath: "discard"}
	require.Equal(t, levelNone, cfg.logLevel())

	cfg = LogConfiguration{Level: "info", OutputPath: os.DevNull}
	require.Equal(t, levelNone, cfg.logLevel())
}

func Test_LoadConfiguration(t *testing.T) {
	cfg, err := LoadConfiguration(strings.NewReader("defaultLevel: DEBUG\nformat: json\noutputPath: stdout\n"))
	require.NoError(t, err)
	require.Equal(t, &LogConfiguration{Level: "DEBUG", Format: "json", OutputPath: "stdout"}, cfg)

	// empty input is default configuration
	cfg, err = LoadConfiguration(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, &LogConfiguration{}, cfg)

	_, err = LoadConfiguration(strings.NewReader("format: [json"))
	require.Error(t, err)
}

func Test_New(t *testing.T) {
	_, err := New(&LogConfiguration{Format: "xml"})
	require.EqualError(t, err, `unknown log format "xml"`)

	l, err := New(&LogConfiguration{Format: "json", OutputPath: "discard"})
	require.NoError(t, err)
	require.False(t, l.Enabled(nil, slog.LevelError))

	l, err = New(nil)
	require.NoError(t, err)
	require.True(t, l.Enabled(nil, slog.LevelInfo))
}

func Test_attributes(t *testing.T) {
	buf := &bytes.Buffer{}
	l := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{ReplaceAttr: formatTimeAttr("none")}))
	l.Info("applied", ReferenceID("ref1"), Sequence(3), Status("soft_match"), Error(errors.New("boom")))
	require.Equal(t, "level=INFO msg=applied reference_id=ref1 seq=3 status=soft_match err=boom\n", buf.String())
}

func Test_formatTimeAttr(t *testing.T) {
	t.Run("empty format string", func(t *testing.T) {
		f := formatTimeAttr("")
		require.Nil(t, f)
	})

	t.Run("format: none", func(t *testing.T) {
		f := formatTimeAttr("none")
		require.NotNil(t, f)
		now := time.Now()

		a := f(nil, slog.Time(slog.TimeKey, now))
		require.Equal(t, slog.Attr{}, a)

		// when not time key value is preserved
		a = f(nil, slog.Time("foo", now))
		require.True(t, a.Equal(slog.Time("foo", now)))
	})

	t.Run("format: format string", func(t *testing.T) {
		f := formatTimeAttr("15:04:05.0000")
		require.NotNil(t, f)

		now := time.Now()
		a := f(nil, slog.Time(slog.TimeKey, now))
		require.Equal(t, now.Format("15:04:05.0000"), a.Value.String())
	})
}

func Test_composeAttrFmt(t *testing.T) {
	b0 := func(groups []string, a slog.Attr) slog.Attr { return slog.Int64(a.Key, a.Value.Int64()+1) }
	b1 := func(groups []string, a slog.Attr) slog.Attr { return slog.Int64(a.Key, a.Value.Int64()+2) }
	b2 := func(groups []string, a slog.Attr) slog.Attr { return slog.Int64(a.Key, a.Value.Int64()+4) }

	require.Nil(t, composeAttrFmt())
	require.Nil(t, composeAttrFmt(nil, nil))

	f := composeAttrFmt(nil, b1, nil)
	require.NotNil(t, f)
	a := f(nil, slog.Int64("test", 0))
	require.EqualValues(t, 2, a.Value.Int64())

	f = composeAttrFmt(b0, b1, b2, nil)
	require.NotNil(t, f)
	a = f(nil, slog.Int64("test", 0))
	require.EqualValues(t, 7, a.Value.Int64())
}
