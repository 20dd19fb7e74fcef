package runtime

import (
	"strings"
	"testing"

	"github.com/isovm-labs/isovm/internal/events"
	"github.com/isovm-labs/isovm/internal/logging"
	"github.com/stretchr/testify/assert"
)

func TestTeardownGuard_IsDisposed(t *testing.T) {
	g := NewTeardownGuard(logging.NewDefaultLogger("ERROR"), events.NewNoOpEventBus())
	sb := newFakeSandbox()

	assert.False(t, g.IsDisposed(sb))
	_ = sb.Teardown(nil)
	assert.True(t, g.IsDisposed(sb))
	assert.True(t, g.IsDisposed(nil))
}

func TestTeardownGuard_RejectSetsExitCode(t *testing.T) {
	g := NewTeardownGuard(logging.NewDefaultLogger("ERROR"), events.NewNoOpEventBus())
	assert.Equal(t, 0, g.ExitCode())

	g.Reject("requireModule", "/project/a.js")
	assert.Equal(t, 1, g.ExitCode())

	// A second rejection leaves the exit code at 1, it does not accumulate.
	g.Reject("requireModule", "/project/b.js")
	assert.Equal(t, 1, g.ExitCode())
}

func TestCapturedStack_FiltersOwnFrames(t *testing.T) {
	stack := CapturedStack()
	for _, line := range strings.Split(stack, "\n") {
		assert.NotContains(t, line, "github.com/isovm-labs/isovm/internal/runtime.")
	}
}
