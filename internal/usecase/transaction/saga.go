// internal/usecase/transaction/saga.go
package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ussd-service/internal/domain"
	"ussd-service/pkg/breaker"
	"ussd-service/pkg/httpclient"

	"go.uber.org/zap"
)

// Stage is one step of a money movement. Compensate undoes a completed
// Forward and is nil when there is nothing to undo. Checkpoint, when set,
// durably records the stage before the next one starts; if it fails the
// stage itself is compensated.
type Stage struct {
	Name       string
	Forward    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
	Checkpoint func(ctx context.Context) error
}

type sagaOutcome int

const (
	sagaCompleted sagaOutcome = iota
	// a stage was definitely rejected; earlier stages were compensated
	sagaFailed
	// a stage timed out or its result is unknown; nothing was compensated
	sagaUnknown
)

type sagaResult struct {
	Outcome         sagaOutcome
	Completed       []string
	FailedStage     string
	Err             error
	CompensationErr error
}

type sagaRunner struct {
	callTimeout         time.Duration
	compensationTimeout time.Duration
	logger              *zap.Logger
}

// isDefinite reports whether err proves the remote side did not apply the
// operation. Anything else, timeouts included, leaves the outcome unknown.
func isDefinite(err error) bool {
	return errors.Is(err, domain.ErrExternalFailure) ||
		errors.Is(err, domain.ErrInsufficientBalance) ||
		errors.Is(err, breaker.ErrOpen) ||
		httpclient.IsDefinite(err)
}

// run executes stages in order. On a definite failure of stage k the
// compensations of stages before k run in reverse on a context detached
// from the caller, so a dropped USSD session cannot abort them.
func (r *sagaRunner) run(ctx context.Context, txID string, stages []Stage) sagaResult {
	var res sagaResult

	for i, st := range stages {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		err := st.Forward(callCtx)
		cancel()

		if err == nil {
			res.Completed = append(res.Completed, st.Name)
			if st.Checkpoint == nil {
				continue
			}
			cpErr := st.Checkpoint(ctx)
			if cpErr == nil {
				continue
			}
			r.logger.Error("saga checkpoint failed, compensating",
				zap.String("tx_id", txID),
				zap.String("stage", st.Name),
				zap.Error(cpErr))
			res.FailedStage = st.Name
			res.Err = fmt.Errorf("record %s: %w", st.Name, cpErr)
			res.Outcome = sagaFailed
			res.CompensationErr = r.compensate(ctx, txID, stages[:i+1])
			return res
		}

		res.FailedStage = st.Name
		res.Err = err

		if !isDefinite(err) {
			r.logger.Warn("saga stage outcome unknown",
				zap.String("tx_id", txID),
				zap.String("stage", st.Name),
				zap.Error(err))
			res.Outcome = sagaUnknown
			return res
		}

		r.logger.Info("saga stage failed, compensating",
			zap.String("tx_id", txID),
			zap.String("stage", st.Name),
			zap.Int("completed", i),
			zap.Error(err))
		res.Outcome = sagaFailed
		res.CompensationErr = r.compensate(ctx, txID, stages[:i])
		return res
	}

	res.Outcome = sagaCompleted
	return res
}

func (r *sagaRunner) compensate(ctx context.Context, txID string, done []Stage) error {
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.compensationTimeout)
	defer cancel()

	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		st := done[i]
		if st.Compensate == nil {
			continue
		}
		if err := st.Compensate(compCtx); err != nil {
			r.logger.Error("compensation failed",
				zap.String("tx_id", txID),
				zap.String("stage", st.Name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("compensate %s: %w", st.Name, err))
			continue
		}
		r.logger.Info("stage compensated", zap.String("tx_id", txID), zap.String("stage", st.Name))
	}
	return errors.Join(errs...)
}
