package capture

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/result"
)

func TestMultiSink_JoinsErrors(t *testing.T) {
	errA := stderrors.New("a failed")
	var seen int
	sink := MultiSink{
		SinkFunc(func(context.Context, *result.Message) error { seen++; return errA }),
		SinkFunc(func(context.Context, *result.Message) error { seen++; return nil }),
	}

	err := sink.Publish(context.Background(), &result.Message{ID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, 2, seen, "every sink is tried")

	assert.NoError(t, MultiSink{}.Publish(context.Background(), &result.Message{}))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	err := sink.Publish(context.Background(), &result.Message{
		ID:      7,
		Query:   "select nope",
		Session: "s1",
		Error:   map[string]string{"message": "boom"},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `msg="select nope"`)
	assert.Contains(t, out, "id=7")
	assert.Contains(t, out, "session=s1")
	assert.Contains(t, out, "error=boom")
}

func TestNewNATSSink_RequiresClientAndSubject(t *testing.T) {
	_, err := NewNATSSink(nil, "results")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
