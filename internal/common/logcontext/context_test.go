package logcontext

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultLogger = logrus.WithField("foo", "bar")

func TestNew(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	assert.Equal(t, defaultLogger, ctx.Log)
	assert.Equal(t, context.Background(), ctx.Context)
}

func TestFromContext_ReusesLogger(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	assert.Same(t, ctx, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()).Log)
}

func TestWithLogField(t *testing.T) {
	ctx := WithLogField(Background(), "fish", "chips")
	assert.Equal(t, logrus.Fields{"fish": "chips"}, ctx.Log.Data)
}

func TestWithLogFields(t *testing.T) {
	ctx := WithLogFields(Background(), logrus.Fields{"fish": "chips", "salt": "pepper"})
	assert.Equal(t, logrus.Fields{"fish": "chips", "salt": "pepper"}, ctx.Log.Data)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 100*time.Millisecond)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.True(t, deadline.After(time.Now()))
}

func TestWithCancel(t *testing.T) {
	ctx, cancel := WithCancel(Background())
	cancel()
	select {
	case <-ctx.Done():
	default:
		t.Fatal("context should be cancelled")
	}
}

func TestErrGroup(t *testing.T) {
	g, ctx := ErrGroup(WithLogField(Background(), "a", 1))
	called := false
	g.Go(func() error {
		called = true
		return nil
	})
	require.NoError(t, g.Wait())
	assert.True(t, called)
	assert.Equal(t, 1, ctx.Log.Data["a"])
}
