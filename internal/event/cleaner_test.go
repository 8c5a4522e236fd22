package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanerRunsInOrderThenLogger(t *testing.T) {
	var order []string
	record := func(name string, err error) Callable {
		return CallableFunc(func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			order = append(order, name)
			return err
		})
	}

	boom := errors.New("boom")
	c := NewCleaner(record("logger", nil), 0)
	c.Add("http", record("http", nil))
	c.Add("queue", record("queue", boom))
	c.Add("mongo", record("mongo", nil))

	err := c.Clean()
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "queue: boom")
	assert.Equal(t, []string{"http", "queue", "mongo", "logger"}, order)

	// 第二次调用不再执行
	require.ErrorIs(t, c.Clean(), boom)
	assert.Len(t, order, 4)
}

func TestCleanerIgnoresAddDuringShutdown(t *testing.T) {
	c := NewCleaner(nil, 0)
	calls := 0
	c.Add("outer", CallableFunc(func(context.Context) error {
		c.Add("inner", CallableFunc(func(context.Context) error {
			calls++
			return nil
		}))
		calls++
		return nil
	}))
	require.NoError(t, c.Clean())
	assert.Equal(t, 1, calls)
}

func TestCleanerStepTimeout(t *testing.T) {
	c := NewCleaner(nil, 20*time.Millisecond)
	c.Add("slow", CallableFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	err := c.Clean()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "slow")
}
