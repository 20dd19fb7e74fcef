package runtime

import (
	"bytes"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	isovmerrors "github.com/isovm-labs/isovm/pkg/isovm/v1/errors"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/events"
	isovmlog "github.com/isovm-labs/isovm/pkg/isovm/v1/log"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/sandbox"
)

// ownFramePrefix identifies stack frames belonging to this runtime so they
// can be stripped from a diagnostic before it is shown to the user; only
// user-relevant frames should remain.
const ownFramePrefix = "github.com/isovm-labs/isovm/internal/runtime."

// TeardownGuard detects execution attempted after the sandbox environment
// has been disposed and records the process exit code that results.
type TeardownGuard struct {
	exitCode int32
	log      isovmlog.Logger
	bus      events.Bus
}

// NewTeardownGuard creates a TeardownGuard that logs rejected operations
// through log and reports them on bus.
func NewTeardownGuard(log isovmlog.Logger, bus events.Bus) *TeardownGuard {
	return &TeardownGuard{log: log, bus: bus}
}

// IsDisposed reports whether env's global object has been torn down.
func (g *TeardownGuard) IsDisposed(env sandbox.Environment) bool {
	return env == nil || env.Global() == nil
}

// Reject logs a formatted reference error for operation (optionally against
// path), sets the recorded exit code to 1, and emits a
// TeardownOperationRejected event. It never returns an error to throw: per
// the failure semantics, sandbox disposal mid-execution is logged, not
// raised.
func (g *TeardownGuard) Reject(operation, path string) {
	err := isovmerrors.NewTeardownError(operation, path)
	atomic.StoreInt32(&g.exitCode, 1)
	g.log.Errorf("%v", err)
	if g.bus != nil {
		g.bus.Emit(events.Event{
			Type:       events.TeardownOperationRejected,
			Timestamp:  time.Now(),
			ModulePath: path,
			ModuleID:   path,
			Payload:    map[string]interface{}{"operation": operation},
		})
	}
}

// ExitCode returns the process exit code recorded so far: 0 unless Reject
// has been called at least once.
func (g *TeardownGuard) ExitCode() int {
	return int(atomic.LoadInt32(&g.exitCode))
}

// CapturedStack returns the current goroutine's stack trace with this
// runtime's own frames filtered out, leaving only user-relevant frames. Used
// to pre-materialize a stack before any cleanup that could invalidate source
// maps, per the executor-error failure semantics.
func CapturedStack() string {
	raw := debug.Stack()
	return filterOwnFrames(raw)
}

// filterOwnFrames drops stack-trace line pairs (function line + file:line)
// whose function belongs to this runtime's own packages.
func filterOwnFrames(raw []byte) string {
	lines := bytes.Split(raw, []byte("\n"))
	var kept [][]byte
	skipNext := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(string(line))
		if skipNext {
			skipNext = false
			continue
		}
		if strings.HasPrefix(trimmed, ownFramePrefix) {
			skipNext = true
			continue
		}
		kept = append(kept, line)
	}
	return string(bytes.Join(kept, []byte("\n")))
}
