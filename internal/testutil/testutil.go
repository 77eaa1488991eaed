// Package testutil provides testing utilities and helpers for host tests.
package testutil

import (
	"context"
	"testing"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/stretchr/testify/mock"
)

// MockCaller is a mock implementation of capability.Caller for testing.
type MockCaller struct {
	mock.Mock
}

// CallAPI mocks the CallAPI method.
func (m *MockCaller) CallAPI(ctx context.Context, extensionID, api, method string, args []interface{}) (interface{}, error) {
	ret := m.Called(ctx, extensionID, api, method, args)
	return ret.Get(0), ret.Error(1)
}

// NewMockCaller creates a mock caller whose calls succeed with a nil result
// unless a test sets a more specific expectation first.
func NewMockCaller(t *testing.T) *MockCaller {
	t.Helper()
	m := new(MockCaller)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// AllowAnyCall adds a catch-all expectation returning result.
func (m *MockCaller) AllowAnyCall(result interface{}) *MockCaller {
	m.On("CallAPI", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(result, nil).
		Maybe()
	return m
}

// MockActivityRecorder is a mock implementation of capability.ActivityRecorder.
type MockActivityRecorder struct {
	mock.Mock
}

// RecordActivity mocks the RecordActivity method.
func (m *MockActivityRecorder) RecordActivity(extensionID string) {
	m.Called(extensionID)
}

// CreateTestManifest creates a manifest with default values.
func CreateTestManifest(t *testing.T, id string) types.Manifest {
	t.Helper()

	return types.Manifest{
		ID:               id,
		Name:             "Test Extension",
		Version:          "1.0.0",
		Publisher:        "test",
		Category:         "general",
		Permissions:      []string{"storage"},
		ActivationEvents: []string{"onStartupFinished"},
	}
}

// Bundles used across package tests.
const (
	// NoopBundle activates and deactivates without doing anything.
	NoopBundle = `
exports.activate = function(context) {};
exports.deactivate = function() {};
`

	// ThrowingActivateBundle fails activation.
	ThrowingActivateBundle = `
exports.activate = function() { throw new Error('activation exploded'); };
`

	// SpinningActivateBundle never returns from activate.
	SpinningActivateBundle = `
exports.activate = function() { while (true) {} };
`

	// CommandBundle registers a greet command on activation.
	CommandBundle = `
exports.activate = function(context) {
	api.commands.registerCommand('greet', function(name) { return 'hello ' + name; })
		.then(function(d) { context.subscriptions.push(d); });
};
`
)

// AssertSuccess is a helper to assert a successful result.
func AssertSuccess(t *testing.T, result types.Result) {
	t.Helper()
	if !result.Success {
		t.Fatalf("Expected success, got error: %v", result.Error)
	}
}

// AssertFailure is a helper to assert a failed result.
func AssertFailure(t *testing.T, result types.Result) {
	t.Helper()
	if result.Success {
		t.Fatal("Expected failure, got success")
	}
	if result.Error == "" {
		t.Fatal("Expected error message, got empty string")
	}
}
