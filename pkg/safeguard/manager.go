package safeguard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aegislabs/aiguard/pkg/config"
	"github.com/aegislabs/aiguard/pkg/infra/auditlog"
	"github.com/aegislabs/aiguard/pkg/infra/breaker"
	"github.com/aegislabs/aiguard/pkg/infra/metrics"
	"github.com/aegislabs/aiguard/pkg/ratelimit"
	"github.com/aegislabs/aiguard/pkg/types"
	"github.com/aegislabs/aiguard/pkg/validator"
)

// Operation is the guarded unit of work: an opaque, fallible call to the AI
// provider. It may be slow; no safeguard lock is held while it runs.
type Operation func(ctx context.Context) (interface{}, error)

type Request struct {
	Type       types.OperationType
	Prompt     string
	Parameters map[string]interface{}
}

type Statistics struct {
	TotalCalls           uint64             `json:"total_calls"`
	Succeeded            uint64             `json:"succeeded"`
	Failed               uint64             `json:"failed"`
	RejectedByRateLimit  uint64             `json:"rejected_by_rate_limit"`
	RejectedByCircuit    uint64             `json:"rejected_by_circuit"`
	RejectedByValidation uint64             `json:"rejected_by_validation"`
	CircuitState         types.CircuitState `json:"circuit_state"`
}

// Manager composes the validator, rate limiter, circuit breaker and audit
// trail into one guarded entry point. Construct one Manager per guarded
// dependency and inject it; there is no process-wide default instance.
type Manager struct {
	cfg       config.SafeguardConfig
	limiter   *ratelimit.Limiter
	breaker   breaker.CircuitBreaker
	validator *validator.Validator
	audit     auditlog.Service
	logger    *logrus.Logger

	totalCalls           atomic.Uint64
	succeeded            atomic.Uint64
	failed               atomic.Uint64
	rejectedByRateLimit  atomic.Uint64
	rejectedByCircuit    atomic.Uint64
	rejectedByValidation atomic.Uint64
}

type Opts struct {
	// BreakerName labels the circuit breaker for diagnostics.
	BreakerName string
	// TimeProvider is forwarded to the rate limiter. Test hook.
	TimeProvider func() time.Time
	// Breaker replaces the gobreaker-backed default. Test hook.
	Breaker breaker.CircuitBreaker
}

func NewManager(cfg config.SafeguardConfig, audit auditlog.Service, log *logrus.Logger, opts *Opts) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if audit == nil {
		return nil, fmt.Errorf("safeguard manager requires an audit service")
	}

	name := "aiguard"
	var limiterOpts *ratelimit.Opts
	var cb breaker.CircuitBreaker
	if opts != nil {
		if opts.BreakerName != "" {
			name = opts.BreakerName
		}
		if opts.TimeProvider != nil {
			limiterOpts = &ratelimit.Opts{TimeProvider: opts.TimeProvider}
		}
		cb = opts.Breaker
	}
	if cb == nil {
		cb = breaker.NewCircuitBreaker(name, cfg.RecoveryTimeout(), uint32(cfg.CircuitFailureThreshold))
	}

	return &Manager{
		cfg:       cfg,
		limiter:   ratelimit.NewLimiter(cfg, limiterOpts),
		breaker:   cb,
		validator: validator.NewValidator(cfg),
		audit:     audit,
		logger:    log,
	}, nil
}

// Execute validates, rate-limits and circuit-checks the request, runs the
// operation, and audit-logs the outcome. Rejections come back as a
// *types.SafeguardViolation error and never reach the provider; genuine
// operation failures are returned to the caller unwrapped. Nothing here is
// fatal: an exhausted safeguard degrades to rejecting the call.
func (m *Manager) Execute(ctx context.Context, req Request, op Operation) (interface{}, error) {
	m.totalCalls.Add(1)
	redacted := m.validator.Redact(req.Parameters)

	if res := m.validator.Validate(req.Prompt); !res.Valid {
		m.rejectedByValidation.Add(1)
		return nil, m.reject(types.NewViolation(res.Kind, req.Type, res.Reason), redacted)
	}

	if req.Type.Consequential() && len(req.Parameters) == 0 {
		m.rejectedByValidation.Add(1)
		violation := types.NewViolation(types.ViolationInvalidRequest, req.Type,
			"consequential operations require request parameters for the audit trail")
		return nil, m.reject(violation, redacted)
	}

	if !m.limiter.Allow(req.Type) {
		m.rejectedByRateLimit.Add(1)
		violation := types.NewViolation(types.ViolationRateLimitExceeded, req.Type,
			fmt.Sprintf("rate limit exceeded: %d requests per minute", m.ceiling(req.Type)))
		return nil, m.reject(violation, redacted)
	}

	start := time.Now()
	result, err := m.breaker.Execute(func() (interface{}, error) {
		return op(ctx)
	})
	latency := time.Since(start)

	if err != nil {
		if breaker.IsOpen(err) {
			m.rejectedByCircuit.Add(1)
			violation := types.NewViolation(types.ViolationCircuitOpen, req.Type,
				"circuit breaker is open, requests are blocked")
			return nil, m.reject(violation, redacted)
		}

		m.failed.Add(1)
		m.record(types.AuditLogEntry{
			OperationType:      req.Type,
			Success:            false,
			LatencyMillis:      latency.Milliseconds(),
			ErrorMessage:       err.Error(),
			RedactedParameters: redacted,
		})
		metrics.GuardedCallsTotal.WithLabelValues(string(req.Type), "failure").Inc()
		metrics.OperationLatency.WithLabelValues(string(req.Type)).Observe(float64(latency.Milliseconds()))
		return nil, err
	}

	m.succeeded.Add(1)
	m.record(types.AuditLogEntry{
		OperationType:      req.Type,
		Success:            true,
		LatencyMillis:      latency.Milliseconds(),
		RedactedParameters: redacted,
	})
	metrics.GuardedCallsTotal.WithLabelValues(string(req.Type), "success").Inc()
	metrics.OperationLatency.WithLabelValues(string(req.Type)).Observe(float64(latency.Milliseconds()))
	return result, nil
}

func (m *Manager) Statistics() Statistics {
	return Statistics{
		TotalCalls:           m.totalCalls.Load(),
		Succeeded:            m.succeeded.Load(),
		Failed:               m.failed.Load(),
		RejectedByRateLimit:  m.rejectedByRateLimit.Load(),
		RejectedByCircuit:    m.rejectedByCircuit.Load(),
		RejectedByValidation: m.rejectedByValidation.Load(),
		CircuitState:         m.breaker.State(),
	}
}

func (m *Manager) CircuitState() types.CircuitState {
	return m.breaker.State()
}

func (m *Manager) Audit() auditlog.Service {
	return m.audit
}

func (m *Manager) reject(violation *types.SafeguardViolation, redacted map[string]interface{}) *types.SafeguardViolation {
	m.record(types.AuditLogEntry{
		OperationType:      violation.OperationType,
		Success:            false,
		Violation:          violation,
		RedactedParameters: redacted,
	})
	m.logger.WithFields(logrus.Fields{
		"kind":           violation.Kind,
		"operation_type": violation.OperationType,
	}).Warnf("safeguard violation: %s", violation.Message)
	metrics.ViolationsTotal.WithLabelValues(string(violation.OperationType), string(violation.Kind)).Inc()
	metrics.GuardedCallsTotal.WithLabelValues(string(violation.OperationType), "rejected").Inc()
	return violation
}

func (m *Manager) record(entry types.AuditLogEntry) {
	m.audit.Record(entry)
}

func (m *Manager) ceiling(opType types.OperationType) int {
	if opType.Consequential() {
		return m.cfg.MaxConsequentialPerMinute
	}
	return m.cfg.MaxRequestsPerMinute
}

// AsViolation unwraps a safeguard violation from an Execute error, if the
// error is one.
func AsViolation(err error) (*types.SafeguardViolation, bool) {
	var violation *types.SafeguardViolation
	if errors.As(err, &violation) {
		return violation, true
	}
	return nil, false
}
