package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailure_Is(t *testing.T) {
	spawn := spawnFailure(os.ErrNotExist)
	assert.ErrorIs(t, spawn, ErrSpawn)
	assert.ErrorIs(t, spawn, os.ErrNotExist)
	assert.NotErrorIs(t, spawn, ErrTimeout)

	timeout := timeoutFailure(1500 * time.Millisecond)
	assert.ErrorIs(t, timeout, ErrTimeout)
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
	assert.Equal(t, "command timed out after 1500ms", timeout.Error())

	rt := runtimeFailure(errors.New("broken pipe"))
	assert.ErrorIs(t, rt, ErrRuntime)
	assert.Equal(t, "shell process: broken pipe", rt.Error())
}

func TestAsFailure(t *testing.T) {
	wrapped := fmt.Errorf("tool: %w", spawnFailure(errors.New("permission denied")))
	f, ok := AsFailure(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindSpawn, f.Kind)
	assert.Equal(t, "starting shell: permission denied", f.Error())

	_, ok = AsFailure(errors.New("plain"))
	assert.False(t, ok)
}
