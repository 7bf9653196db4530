package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaohao-creator/turbocore/errors"
)

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("returns callable error", func(t *testing.T) {
		boom := errors.New("boom")
		err := Run(context.Background(), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("recovers panic", func(t *testing.T) {
		err := Run(context.Background(), func(context.Context) error { panic("kaboom") })
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrorPanic)

		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "kaboom", pe.Value)
		assert.NotEmpty(t, pe.Stack)
	})

	t.Run("nil func is a no-op", func(t *testing.T) {
		assert.NoError(t, Run(context.Background(), nil))
	})

	t.Run("wrap", func(t *testing.T) {
		called := false
		assert.NoError(t, Run(context.Background(), Wrap(func() { called = true })))
		assert.True(t, called)
	})
}
