// Package executor runs approved actions against network devices.
//
// Every change is bracketed by configuration captures: the running config
// is saved before a write, validators inspect the device afterwards, and a
// required validator failure restores the saved config. A restore that
// fails or does not reproduce the saved config leaves the device marked
// unrecoverable.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// Executor builds commands, drives device sessions and rolls back failed
// changes
type Executor struct {
	registry   *Registry
	inventory  Inventory
	pool       *Pool
	validators map[string]Validator
	options    Options
	metrics    *telemetry.Metrics
	logger     *telemetry.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// New creates an executor. metrics may be nil.
func New(registry *Registry, inventory Inventory, pool *Pool, options Options, metrics *telemetry.Metrics) *Executor {
	if options.MaxParallel <= 0 {
		options.MaxParallel = 1
	}
	if options.Retry.MaxTries == 0 {
		options.Retry.MaxTries = 1
	}
	return &Executor{
		registry:   registry,
		inventory:  inventory,
		pool:       pool,
		validators: DefaultValidators(),
		options:    options,
		metrics:    metrics,
		logger:     telemetry.NewLogger("device-executor"),
		tracer:     otel.Tracer("device-executor"),
		now:        time.Now,
	}
}

// RegisterValidator adds or replaces a named validator
func (e *Executor) RegisterValidator(v Validator) {
	e.validators[v.Name()] = v
}

// deviceRun keeps what a compensating rollback needs after the lease is gone
type deviceRun struct {
	result types.DeviceResult
	device Device
	before string
}

// Execute runs the job's action on a single device
func (e *Executor) Execute(ctx context.Context, job Job, deviceName string) types.DeviceResult {
	cmd, err := e.registry.Build(job.Action, job.Params)
	if err != nil {
		now := e.now().UTC()
		return failed(types.DeviceResult{Device: deviceName, StartedAt: now}, err, now)
	}
	return e.runDevice(ctx, cmd, job, deviceName).result
}

// Batch runs the job on every device with bounded concurrency and applies
// the job's rollback policy
func (e *Executor) Batch(ctx context.Context, job Job) types.ExecutionResult {
	policy, err := ParseRollbackPolicy(string(job.Policy))
	if err != nil {
		policy = RollbackPerDevice
	}

	ctx, span := telemetry.StartExecute(ctx, e.tracer, job.Action, len(job.Devices))
	defer span.End()

	result := types.ExecutionResult{
		Action:         job.Action,
		RollbackPolicy: string(policy),
		Devices:        make([]types.DeviceResult, len(job.Devices)),
		StartedAt:      e.now().UTC(),
	}

	cmd, err := e.registry.Build(job.Action, job.Params)
	if err != nil {
		telemetry.RecordError(span, err)
		now := e.now().UTC()
		for i, name := range job.Devices {
			result.Devices[i] = failed(types.DeviceResult{Device: name, StartedAt: now}, err, now)
		}
		result.FinishedAt = now
		e.finish(ctx, span, &result)
		return result
	}

	runs := make([]*deviceRun, len(job.Devices))
	g := new(errgroup.Group)
	g.SetLimit(e.options.MaxParallel)
	for i, name := range job.Devices {
		g.Go(func() error {
			runs[i] = e.runDevice(ctx, cmd, job, name)
			return nil
		})
	}
	_ = g.Wait()

	if policy == RollbackAllOrNothing && cmd.Write && anyFailed(runs) {
		e.compensate(ctx, runs)
	}

	for i, run := range runs {
		result.Devices[i] = run.result
	}
	result.FinishedAt = e.now().UTC()
	e.finish(ctx, span, &result)
	return result
}

func (e *Executor) finish(ctx context.Context, span trace.Span, result *types.ExecutionResult) {
	var succeeded, failedN, rolledBack, unrecoverable int64
	for _, d := range result.Devices {
		switch d.Status {
		case types.StatusSuccess:
			succeeded++
		case types.StatusRolledBack:
			rolledBack++
		case types.StatusUnrecoverable:
			unrecoverable++
		default:
			failedN++
		}
		e.metrics.RecordExecution(ctx, string(d.Status), d.FinishedAt.Sub(d.StartedAt))
	}
	telemetry.EndExecute(span, succeeded, failedN, rolledBack, unrecoverable)

	e.logger.WithContext(ctx).Info().
		Str("action", result.Action).
		Int("devices", len(result.Devices)).
		Int64("succeeded", succeeded).
		Int64("rolled_back", rolledBack).
		Int64("unrecoverable", unrecoverable).
		Msg("execution finished")
}

func anyFailed(runs []*deviceRun) bool {
	for _, r := range runs {
		if r.result.Status != types.StatusSuccess {
			return true
		}
	}
	return false
}

func (e *Executor) runDevice(ctx context.Context, cmd Command, job Job, name string) *deviceRun {
	run := &deviceRun{result: types.DeviceResult{
		Device:    name,
		Command:   cmd.Redacted,
		StartedAt: e.now().UTC(),
	}}
	res := &run.result
	span := trace.SpanFromContext(ctx)

	device, err := e.inventory.Device(name)
	if err != nil {
		*res = failed(*res, err, e.now().UTC())
		return run
	}
	run.device = device

	lease, err := e.pool.Acquire(ctx, device)
	if err != nil {
		*res = failed(*res, err, e.now().UTC())
		return run
	}
	defer lease.Release()

	if cmd.Write {
		before, err := e.capture(ctx, lease, device, e.options.Timeouts.Capture)
		if err != nil {
			*res = failed(*res, fmt.Errorf("pre-change capture failed, change not attempted: %w", err), e.now().UTC())
			return run
		}
		run.before = before
		res.PreChangeCaptured = true
	}

	text := cmd.Text
	if cmd.Write {
		text = device.Platform.ConfigureCommand(cmd.Text)
	}
	output, attempts, sendErr := e.send(ctx, lease, device, cmd, text)
	res.Attempts = attempts
	res.Output = Sanitize(output)

	if sendErr != nil {
		res.Error = sendErr.Error()
		res.Status = types.StatusFailed
		if cmd.Write {
			e.rollbackIfChanged(ctx, lease, run)
		}
		res.FinishedAt = e.now().UTC()
		e.logResult(ctx, span, job.Action, res)
		return run
	}

	var after string
	if cmd.Write {
		after, err = e.capture(ctx, lease, device, e.options.Timeouts.Capture)
		if err != nil {
			e.logger.WithContext(ctx).Warn().Err(err).Str("device", name).Msg("post-change capture failed")
		}
	}

	res.Validations = e.validate(ctx, lease, job, device, run.before, after)
	if cause := requiredFailure(res.Validations); cause != "" {
		res.Error = cause
		res.Status = types.StatusFailed
		if cmd.Write {
			e.rollback(ctx, lease, run, cause)
		}
	} else {
		res.Status = types.StatusSuccess
	}

	res.FinishedAt = e.now().UTC()
	e.logResult(ctx, span, job.Action, res)
	return run
}

func (e *Executor) logResult(ctx context.Context, span trace.Span, action string, res *types.DeviceResult) {
	telemetry.RecordDeviceExecutedEvent(span, res.Device, action, string(res.Status), res.Attempts, res.Error)
	ev := e.logger.WithContext(ctx).Info()
	if res.Status != types.StatusSuccess {
		ev = e.logger.WithContext(ctx).Warn()
	}
	ev.Str("device", res.Device).
		Str("action", action).
		Str("status", string(res.Status)).
		Int("attempts", res.Attempts).
		Str("error", res.Error).
		Msg("device execution finished")
}

// send delivers the command, retrying transport failures. Once a command
// has been sent it runs to its own timeout regardless of the caller.
func (e *Executor) send(ctx context.Context, lease *Lease, device Device, cmd Command, text string) (string, int, error) {
	timeout := commandTimeout(cmd.Timeout, e.options.Timeouts.Command)
	detached := context.WithoutCancel(ctx)

	exp := backoff.NewExponentialBackOff()
	if e.options.Retry.InitialInterval > 0 {
		exp.InitialInterval = e.options.Retry.InitialInterval
	}
	if e.options.Retry.MaxInterval > 0 {
		exp.MaxInterval = e.options.Retry.MaxInterval
	}

	attempts := 0
	op := func() (string, error) {
		if attempts > 0 && ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		attempts++
		e.logger.LogDeviceCommand(ctx, device.Name, cmd.Redacted, attempts)

		cctx, cancel := context.WithTimeout(detached, timeout)
		defer cancel()
		out, err := lease.Run(cctx, text)
		if err != nil {
			if errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded) {
				return out, fmt.Errorf("%w: %w", types.ErrExecution, err)
			}
			return out, backoff.Permanent(fmt.Errorf("%w: %w", types.ErrExecution, err))
		}
		if device.Platform.Rejected(out) {
			return out, backoff.Permanent(fmt.Errorf("%w: %w: %s", types.ErrExecution, ErrCommandRejected, firstRejection(device, out)))
		}
		return out, nil
	}

	out, err := backoff.Retry(detached, op,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(e.options.Retry.MaxTries),
	)
	return out, attempts, err
}

// commandTimeout applies the template's own limit under the configured
// ceiling. A zero on either side means no limit from that side.
func commandTimeout(template, configured time.Duration) time.Duration {
	switch {
	case template <= 0:
		return configured
	case configured <= 0:
		return template
	default:
		return min(template, configured)
	}
}

func firstRejection(device Device, output string) string {
	for _, line := range strings.Split(Sanitize(output), "\n") {
		if device.Platform.Rejected(line) {
			return strings.TrimSpace(line)
		}
	}
	return "device rejected command"
}

func (e *Executor) capture(ctx context.Context, lease *Lease, device Device, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	out, err := lease.Run(cctx, device.Platform.ShowRunning())
	if err != nil {
		return "", err
	}
	if device.Platform.Rejected(out) {
		return "", fmt.Errorf("%w: %s", ErrCommandRejected, device.Platform.ShowRunning())
	}
	return out, nil
}

func (e *Executor) validate(ctx context.Context, lease *Lease, job Job, device Device, before, after string) []types.ValidatorResult {
	if len(job.Validators) == 0 {
		return nil
	}
	results := make([]types.ValidatorResult, 0, len(job.Validators))
	for _, spec := range job.Validators {
		r := types.ValidatorResult{Name: spec.Name, Required: spec.Required}
		v, ok := e.validators[spec.Name]
		if !ok {
			r.Status = types.ValidationErrored
			r.Detail = "unknown validator"
			results = append(results, r)
			continue
		}

		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.options.Timeouts.Validate)
		r.Status, r.Detail = v.Validate(vctx, Check{
			Action: job.Action,
			Device: device,
			Params: job.Params,
			Before: before,
			After:  after,
			Run:    lease.Run,
		})
		cancel()
		r.Detail = Sanitize(r.Detail)
		results = append(results, r)
	}
	return results
}

// requiredFailure describes the first required validator that failed or
// errored
func requiredFailure(results []types.ValidatorResult) string {
	for _, r := range results {
		if !r.Required {
			continue
		}
		if r.Status == types.ValidationFail || r.Status == types.ValidationErrored {
			msg := fmt.Sprintf("required validator %s: %s", r.Name, r.Status)
			if r.Detail != "" {
				msg += ": " + r.Detail
			}
			return msg
		}
	}
	return ""
}

func failed(res types.DeviceResult, err error, now time.Time) types.DeviceResult {
	res.Status = types.StatusFailed
	res.Error = err.Error()
	res.FinishedAt = now
	return res
}
