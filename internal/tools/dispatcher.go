package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/penguin/pkg/models"
)

// Dispatcher limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolInputSize is the maximum size of tool input JSON (10MB).
	MaxToolInputSize = 10 << 20
)

// DispatcherConfig configures dispatch behavior.
type DispatcherConfig struct {
	// MaxConcurrency limits parallel tool executions.
	// Default: 5
	MaxConcurrency int

	// DefaultTimeout applies when a descriptor has none.
	// Default: 30s
	DefaultTimeout time.Duration

	// CategoryTimeouts override DefaultTimeout per descriptor category
	// (populated from PENGUIN_TOOL_TIMEOUT_<CATEGORY> style knobs).
	CategoryTimeouts map[string]time.Duration

	// Retries is the number of re-attempts for retryable failures.
	// Default: 0; tools with side effects should stay at 0.
	Retries int

	// RetryBackoff is the initial backoff between retries.
	// Default: 100ms
	RetryBackoff time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultDispatcherConfig returns the default dispatcher configuration.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		MaxConcurrency: 5,
		DefaultTimeout: 30 * time.Second,
		Retries:        0,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// Result is the structured outcome of one dispatch. Tool failures are
// carried here rather than as Go errors; the dispatcher boundary never
// raises.
type Result struct {
	OK         bool          `json:"ok"`
	Value      string        `json:"value,omitempty"`
	Err        string        `json:"error,omitempty"`
	ReturnCode int           `json:"return_code,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts,omitempty"`
}

// ToModel converts the result into the transcript representation.
func (r *Result) ToModel(toolCallID string) models.ToolResult {
	content := r.Value
	if !r.OK && r.Err != "" {
		content = r.Err
	}
	return models.ToolResult{
		ToolCallID: toolCallID,
		Content:    content,
		IsError:    !r.OK,
		TimedOut:   r.TimedOut,
		ReturnCode: r.ReturnCode,
	}
}

// Dispatcher validates inputs and executes tools with timeouts and
// bounded concurrency.
type Dispatcher struct {
	registry *Registry
	config   *DispatcherConfig
	logger   *slog.Logger
	tracer   trace.Tracer

	sem chan struct{}

	mu       sync.Mutex
	timeouts int64
	failures int64
	executed int64
}

// NewDispatcher creates a dispatcher over the given registry.
// If config is nil, DefaultDispatcherConfig is used.
func NewDispatcher(registry *Registry, config *DispatcherConfig) *Dispatcher {
	if config == nil {
		config = DefaultDispatcherConfig()
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		config:   config,
		logger:   logger,
		tracer:   otel.Tracer("penguin/tools"),
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// timeoutFor resolves the effective timeout for a descriptor. A non-nil
// descriptor timeout wins, even when zero.
func (d *Dispatcher) timeoutFor(desc Descriptor) time.Duration {
	if desc.Timeout != nil {
		return *desc.Timeout
	}
	if desc.Category != "" {
		if t, ok := d.config.CategoryTimeouts[desc.Category]; ok {
			return t
		}
	}
	return d.config.DefaultTimeout
}

// Execute runs a tool by name with raw JSON input. The returned result is
// never nil and errors never propagate as Go errors.
func (d *Dispatcher) Execute(ctx context.Context, name string, input json.RawMessage) *Result {
	start := time.Now()

	if len(name) > MaxToolNameLength {
		return failed(start, fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(input) > MaxToolInputSize {
		return failed(start, fmt.Sprintf("tool input exceeds maximum size of %d bytes", MaxToolInputSize))
	}

	desc, handler, ok := d.registry.Get(name)
	if !ok {
		return failed(start, "tool not found: "+name)
	}

	if err := desc.ValidateInput(input); err != nil {
		return failed(start, err.Error())
	}

	timeout := d.timeoutFor(desc)
	if timeout == 0 {
		// An explicit zero timeout expires before the tool runs.
		d.countTimeout()
		return &Result{
			OK:       false,
			Err:      fmt.Sprintf("tool %s timed out after 0s", name),
			TimedOut: true,
			Duration: time.Since(start),
			Attempts: 0,
		}
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		d.countTimeout()
		return &Result{
			OK:       false,
			Err:      "tool dispatch cancelled: " + ctx.Err().Error(),
			TimedOut: true,
			Duration: time.Since(start),
		}
	}

	decoded := map[string]any{}
	if len(input) > 0 {
		// Validated above; non-object inputs land in the handler as empty.
		_ = json.Unmarshal(input, &decoded)
	}

	ctx, span := d.tracer.Start(ctx, "tool.dispatch",
		trace.WithAttributes(
			attribute.String("tool.name", name),
			attribute.String("tool.category", desc.Category),
		))
	defer span.End()

	retries := d.config.Retries
	backoff := d.config.RetryBackoff
	var result *Result
	for attempt := 0; attempt <= retries; attempt++ {
		result = d.executeOnce(ctx, name, handler, decoded, timeout)
		result.Attempts = attempt + 1
		if result.OK || result.TimedOut {
			break
		}
		if attempt < retries {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				attempt = retries
			}
		}
	}

	result.Duration = time.Since(start)
	d.record(result)
	if !result.OK {
		span.SetAttributes(attribute.Bool("tool.timed_out", result.TimedOut))
		d.logger.Warn("tool dispatch failed",
			"tool", name,
			"timed_out", result.TimedOut,
			"error", result.Err,
			"duration", result.Duration,
		)
	}
	return result
}

// executeOnce runs the handler with a deadline and panic recovery.
func (d *Dispatcher) executeOnce(ctx context.Context, name string, handler Handler, input map[string]any, timeout time.Duration) *Result {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value string
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("tool handler panicked",
					"tool", name,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", name, rec)}
			}
		}()
		value, err := handler(execCtx, input)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			res := &Result{OK: false, Err: out.err.Error()}
			if exit, ok := out.err.(*ExitError); ok {
				res.ReturnCode = exit.ReturnCode()
				res.Err = exit.Structured()
			}
			return res
		}
		return &Result{OK: true, Value: out.value}
	case <-execCtx.Done():
		// The handler's own cleanup is the handler's responsibility;
		// the dispatcher only guarantees the caller gets a result.
		return &Result{
			OK:       false,
			Err:      fmt.Sprintf("tool %s timed out after %s", name, timeout),
			TimedOut: true,
		}
	}
}

// Metrics returns dispatch counters.
func (d *Dispatcher) Metrics() (executed, failures, timeouts int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executed, d.failures, d.timeouts
}

func (d *Dispatcher) record(r *Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed++
	if !r.OK {
		d.failures++
	}
	if r.TimedOut {
		d.timeouts++
	}
}

func (d *Dispatcher) countTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed++
	d.failures++
	d.timeouts++
}

func failed(start time.Time, msg string) *Result {
	return &Result{OK: false, Err: msg, Duration: time.Since(start)}
}
