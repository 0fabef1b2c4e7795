package executor

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// errRestoreMismatch reports a restore that left a different config behind
var errRestoreMismatch = errors.New("restored configuration does not match pre-change capture")

// restore pushes the captured config back and verifies the device now
// matches it. Rollbacks are never retried.
func (e *Executor) restore(ctx context.Context, lease *Lease, device Device, before string) (types.RollbackOutcome, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.options.Timeouts.Rollback)
	defer cancel()

	e.logger.LogDeviceCommand(ctx, device.Name, "restore pre-change configuration", 1)
	out, err := lease.Run(rctx, device.Platform.RestoreCommand(before))
	if err != nil {
		return types.RollbackFailed, err
	}
	if device.Platform.Rejected(out) {
		return types.RollbackFailed, fmt.Errorf("%w: %s", ErrCommandRejected, firstRejection(device, out))
	}

	current, err := e.capture(rctx, lease, device, e.options.Timeouts.Capture)
	if err != nil {
		return types.RollbackFailed, fmt.Errorf("verify restore: %w", err)
	}
	if device.Platform.NormalizeConfig(current) != device.Platform.NormalizeConfig(before) {
		return types.RollbackMismatch, errRestoreMismatch
	}
	return types.RollbackRestored, nil
}

// rollback restores the device and records the outcome on the run. cause
// is kept as the device error.
func (e *Executor) rollback(ctx context.Context, lease *Lease, run *deviceRun, cause string) {
	res := &run.result
	res.RollbackTriggered = true
	res.Error = cause

	outcome, err := e.restore(ctx, lease, run.device, run.before)
	res.RollbackOutcome = outcome
	if outcome == types.RollbackRestored {
		res.Status = types.StatusRolledBack
	} else {
		res.Status = types.StatusUnrecoverable
		res.Unrecoverable = true
		if err != nil {
			res.RollbackError = Sanitize(fmt.Errorf("%w: %w", types.ErrUnrecoverable, err).Error())
		}
	}

	e.metrics.RecordRollback(ctx, string(outcome))
	telemetry.RecordRollbackEvent(trace.SpanFromContext(ctx), run.device.Name, string(outcome), res.Unrecoverable)

	if res.Unrecoverable {
		e.logger.WithContext(ctx).Error().
			Str("device", run.device.Name).
			Str("rollback_outcome", string(outcome)).
			Str("cause", cause).
			Msg("rollback failed, device state unrecoverable")
		return
	}
	e.logger.WithContext(ctx).Warn().
		Str("device", run.device.Name).
		Str("cause", cause).
		Msg("change rolled back")
}

// rollbackIfChanged handles a failed write: when the device config moved
// away from the capture, or can no longer be read, it is restored
func (e *Executor) rollbackIfChanged(ctx context.Context, lease *Lease, run *deviceRun) {
	current, err := e.capture(ctx, lease, run.device, e.options.Timeouts.Capture)
	if err == nil && run.device.Platform.NormalizeConfig(current) == run.device.Platform.NormalizeConfig(run.before) {
		return
	}
	e.rollback(ctx, lease, run, run.result.Error)
}

// compensate restores every device whose change succeeded. It runs when
// an all_or_nothing batch had a failure elsewhere.
func (e *Executor) compensate(ctx context.Context, runs []*deviceRun) {
	g := new(errgroup.Group)
	g.SetLimit(e.options.MaxParallel)
	for _, run := range runs {
		if run.result.Status != types.StatusSuccess || !run.result.PreChangeCaptured {
			continue
		}
		g.Go(func() error {
			lease, err := e.pool.Acquire(context.WithoutCancel(ctx), run.device)
			if err != nil {
				run.result.RollbackTriggered = true
				run.result.RollbackOutcome = types.RollbackFailed
				run.result.RollbackError = fmt.Errorf("%w: %w", types.ErrUnrecoverable, err).Error()
				run.result.Status = types.StatusUnrecoverable
				run.result.Unrecoverable = true
				e.metrics.RecordRollback(ctx, string(types.RollbackFailed))
				return nil
			}
			defer lease.Release()
			e.rollback(ctx, lease, run, "compensating rollback: another device in the batch failed")
			run.result.FinishedAt = e.now().UTC()
			return nil
		})
	}
	_ = g.Wait()
}
