package safeguard

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegislabs/aiguard/pkg/config"
	"github.com/aegislabs/aiguard/pkg/infra/auditlog"
	"github.com/aegislabs/aiguard/pkg/infra/breaker"
	"github.com/aegislabs/aiguard/pkg/types"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func testConfig() config.SafeguardConfig {
	return config.SafeguardConfig{
		MaxRequestsPerMinute:          5,
		MaxConsequentialPerMinute:     2,
		CircuitFailureThreshold:       3,
		CircuitRecoveryTimeoutSeconds: 60,
		MaxPromptLength:               100,
		BlockedKeywords:               []string{"forbidden"},
		SensitiveParameterKeys:        []string{"api_key"},
	}
}

func newTestManager(t *testing.T, cfg config.SafeguardConfig, opts *Opts) (*Manager, auditlog.Service) {
	t.Helper()
	audit := auditlog.NewService(auditlog.NewMemorySink(), testLogger(), nil)
	t.Cleanup(func() { _ = audit.Close() })

	m, err := NewManager(cfg, audit, testLogger(), opts)
	require.NoError(t, err)
	return m, audit
}

func succeedingOp(result interface{}) Operation {
	return func(ctx context.Context) (interface{}, error) {
		return result, nil
	}
}

func TestNewManager_RejectsInvalidConfig(t *testing.T) {
	audit := auditlog.NewService(auditlog.NewMemorySink(), testLogger(), nil)
	defer audit.Close()

	_, err := NewManager(config.SafeguardConfig{}, audit, testLogger(), nil)
	assert.Error(t, err)
}

func TestNewManager_RequiresAuditService(t *testing.T) {
	_, err := NewManager(testConfig(), nil, testLogger(), nil)
	assert.Error(t, err)
}

func TestManager_ExecuteSuccess(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)

	result, err := m.Execute(context.Background(), Request{
		Type:       types.OperationStandard,
		Prompt:     "summarize the report",
		Parameters: map[string]interface{}{"model": "gpt-4", "api_key": "sk-live-abc"},
	}, succeedingOp("generated text"))

	require.NoError(t, err)
	assert.Equal(t, "generated text", result)

	entries := m.Audit().Recent(1)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Nil(t, entries[0].Violation)
	assert.Equal(t, "[REDACTED]", entries[0].RedactedParameters["api_key"])
	assert.Equal(t, "gpt-4", entries[0].RedactedParameters["model"])

	stats := m.Statistics()
	assert.Equal(t, uint64(1), stats.TotalCalls)
	assert.Equal(t, uint64(1), stats.Succeeded)
}

func TestManager_ValidationFailureNeverInvokesOperation(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)

	tests := []struct {
		name   string
		prompt string
		kind   types.ViolationKind
	}{
		{"Empty prompt", "", types.ViolationInvalidRequest},
		{"Blocked keyword", "this is forbidden territory", types.ViolationBlockedKeyword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invoked := false
			_, err := m.Execute(context.Background(), Request{
				Type:   types.OperationStandard,
				Prompt: tt.prompt,
			}, func(ctx context.Context) (interface{}, error) {
				invoked = true
				return nil, nil
			})

			require.Error(t, err)
			assert.False(t, invoked)

			violation, ok := AsViolation(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, violation.Kind)
			assert.Equal(t, types.OperationStandard, violation.OperationType)
		})
	}

	stats := m.Statistics()
	assert.Equal(t, uint64(2), stats.RejectedByValidation)
	assert.Equal(t, uint64(0), stats.Succeeded)
}

func TestManager_ConsequentialRequiresParameters(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)

	_, err := m.Execute(context.Background(), Request{
		Type:   types.OperationConsequential,
		Prompt: "publish this post",
	}, succeedingOp(nil))

	violation, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, types.ViolationInvalidRequest, violation.Kind)
}

func TestManager_RateLimitScenario(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, testConfig(), &Opts{
		TimeProvider: func() time.Time { return clock },
	})

	// maxRequestsPerMinute is 5: six instantaneous calls, exactly five pass.
	for i := 0; i < 5; i++ {
		_, err := m.Execute(context.Background(), Request{
			Type:   types.OperationStandard,
			Prompt: "hello",
		}, succeedingOp(i))
		require.NoError(t, err, "call %d", i+1)
	}

	_, err := m.Execute(context.Background(), Request{
		Type:   types.OperationStandard,
		Prompt: "hello",
	}, succeedingOp(nil))

	violation, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, types.ViolationRateLimitExceeded, violation.Kind)

	stats := m.Statistics()
	assert.Equal(t, uint64(6), stats.TotalCalls)
	assert.Equal(t, uint64(5), stats.Succeeded)
	assert.Equal(t, uint64(1), stats.RejectedByRateLimit)
}

func TestManager_CircuitBreakerScenario(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestsPerMinute = 100
	m, _ := newTestManager(t, cfg, &Opts{
		Breaker: breaker.NewCircuitBreaker("scenario-test", 50*time.Millisecond, 3),
	})

	opErr := errors.New("provider timeout")
	failing := func(ctx context.Context) (interface{}, error) {
		return nil, opErr
	}
	req := Request{Type: types.OperationStandard, Prompt: "hello"}

	// Three consecutive failures trip the breaker. The operation errors come
	// back unwrapped, in the caller's own convention.
	for i := 0; i < 3; i++ {
		_, err := m.Execute(context.Background(), req, failing)
		require.ErrorIs(t, err, opErr)
		_, isViolation := AsViolation(err)
		assert.False(t, isViolation)
	}
	assert.Equal(t, types.CircuitOpen, m.CircuitState())

	// Fourth call inside the timeout: rejected without invoking the operation.
	invoked := false
	_, err := m.Execute(context.Background(), req, func(ctx context.Context) (interface{}, error) {
		invoked = true
		return nil, nil
	})
	violation, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, types.ViolationCircuitOpen, violation.Kind)
	assert.False(t, invoked)

	// After the timeout a trial call goes through and closes the circuit.
	time.Sleep(80 * time.Millisecond)
	result, err := m.Execute(context.Background(), req, succeedingOp("recovered"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, types.CircuitClosed, m.CircuitState())

	// Subsequent calls proceed normally.
	_, err = m.Execute(context.Background(), req, succeedingOp("steady"))
	require.NoError(t, err)

	stats := m.Statistics()
	assert.Equal(t, uint64(3), stats.Failed)
	assert.Equal(t, uint64(1), stats.RejectedByCircuit)
	assert.Equal(t, uint64(2), stats.Succeeded)
}

func TestManager_OperationFailureIsAudited(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)

	opErr := errors.New("bad gateway")
	_, err := m.Execute(context.Background(), Request{
		Type:       types.OperationStandard,
		Prompt:     "hello",
		Parameters: map[string]interface{}{"api_key": "sk-test"},
	}, func(ctx context.Context) (interface{}, error) {
		return nil, opErr
	})
	require.ErrorIs(t, err, opErr)

	entries := m.Audit().Recent(1)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Nil(t, entries[0].Violation)
	assert.Equal(t, "bad gateway", entries[0].ErrorMessage)
	assert.Equal(t, "[REDACTED]", entries[0].RedactedParameters["api_key"])
}

func TestManager_ContextCancellationCountsAsFailure(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.Execute(ctx, Request{
		Type:   types.OperationStandard,
		Prompt: "hello",
	}, func(ctx context.Context) (interface{}, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(1), m.Statistics().Failed)
}

func TestManager_LatencyIsRecordedForExecutedCalls(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)

	_, err := m.Execute(context.Background(), Request{
		Type:   types.OperationStandard,
		Prompt: "hello",
	}, func(ctx context.Context) (interface{}, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	require.NoError(t, err)

	entries := m.Audit().Recent(1)
	require.Len(t, entries, 1)
	assert.GreaterOrEqual(t, entries[0].LatencyMillis, int64(20))
}

func TestManager_OperationReceivesOriginalParameters(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)

	params := map[string]interface{}{"api_key": "sk-original"}
	_, err := m.Execute(context.Background(), Request{
		Type:       types.OperationStandard,
		Prompt:     "hello",
		Parameters: params,
	}, succeedingOp(nil))
	require.NoError(t, err)

	// Redaction applies only to the audit copy.
	assert.Equal(t, "sk-original", params["api_key"])
}
