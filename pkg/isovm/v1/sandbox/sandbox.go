// Package sandbox defines the external collaborator that provides the
// isolated global execution environment modules are compiled and run
// against.
package sandbox

import "context"

// CompiledScript is an opaque unit produced by the transform package's
// Transformer and handed to Environment.RunScript. It carries a well-known
// top-level property whose value is the module wrapper function.
type CompiledScript interface {
	// WrapperPropertyName is the well-known property the sandbox must
	// expose on the execution result so the Module Executor can extract
	// the module wrapper function from it.
	WrapperPropertyName() string
}

// ExecutionResult is what RunScript returns for a successfully evaluated
// script: a handle the executor uses to pull the wrapper function out by
// CompiledScript.WrapperPropertyName(). A nil ExecutionResult signals that
// the sandbox was torn down mid-evaluation.
type ExecutionResult interface {
	// Get returns the named top-level binding produced by evaluating the
	// script, or (nil, false) if absent.
	Get(name string) (interface{}, bool)
}

// Environment is the isolated global execution environment a runtime
// instance drives. One Environment backs exactly one test file.
type Environment interface {
	// Global returns the sandbox's global object, or nil if the
	// environment has been torn down.
	Global() interface{}

	// RunScript evaluates a compiled script inside the sandbox's global
	// scope and returns the execution result, or nil if the sandbox has
	// been disposed.
	RunScript(script CompiledScript) ExecutionResult

	// ModuleMocker exposes the mock-function subsystem installed on this
	// sandbox.
	ModuleMocker() ModuleMocker

	// FakeTimers exposes the fake-timer subsystem installed on this
	// sandbox, or nil if fake timers have never been requested.
	FakeTimers() FakeTimers

	// Setup performs any asynchronous preparation the environment needs
	// before the first module executes.
	Setup(ctx context.Context) error

	// Teardown disposes the environment. After Teardown returns, Global
	// returns nil and RunScript returns a nil ExecutionResult.
	Teardown(ctx context.Context) error
}

// MockMetadata is the structural snapshot used by the auto-mock generator.
// It is opaque to the runtime beyond emptiness checks: a mock-function
// subsystem implementation knows how to both produce and consume it.
type MockMetadata interface {
	// IsEmpty reports whether the snapshot carries no structure worth
	// regenerating, triggering AutoMockSynthesisError.
	IsEmpty() bool
}

// MockFunction is an installed spy/mock created through ModuleMocker.
type MockFunction interface{}

// ModuleMocker is the mock-function subsystem of a sandbox: creation,
// structural introspection, and bulk lifecycle operations across every
// mock function the sandbox has vended.
type ModuleMocker interface {
	Fn() MockFunction
	SpyOn(object interface{}, methodName string) (MockFunction, error)
	GetMetadata(value interface{}) (MockMetadata, error)
	GenerateFromMetadata(meta MockMetadata) (interface{}, error)
	IsMockFunction(value interface{}) bool

	ClearAllMocks()
	ResetAllMocks()
	RestoreAllMocks()
}

// FakeTimers is the timer subsystem a sandbox may install in place of the
// host's real timers.
type FakeTimers interface {
	Install()
	Uninstall()

	AdvanceTimersByTime(ms int64)
	RunAllTimers()
	RunAllTicks()
	RunAllImmediates()
	RunOnlyPendingTimers()
	ClearAllTimers()
	GetTimerCount() int
}
