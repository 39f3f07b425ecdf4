package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewHonorsLevel(t *testing.T) {
	t.Parallel()

	require.Equal(t, zerolog.DebugLevel, New("DEBUG", "json").GetLevel())
	require.Equal(t, zerolog.InfoLevel, New("bogus", "console").GetLevel())
	require.Equal(t, zerolog.InfoLevel, New("", "console").GetLevel())
}

func TestNewWithWriter(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)
	log.Info().Str("account", "ACC").Msg("test message")
	require.Contains(t, buf.String(), "test message")
	require.Contains(t, buf.String(), `"account":"ACC"`)
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))
	log := FromContext(ctx)
	log.Info().Msg("from context")
	require.Contains(t, buf.String(), "from context")

	require.NotEqual(t, zerolog.Disabled, FromContext(context.Background()).GetLevel())
}

func TestWithFields(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := WithFields(NewWithWriter(buf), map[string]any{"rule": 7})
	log.Warn().Msg("x")
	require.Contains(t, buf.String(), `"rule":7`)
}
