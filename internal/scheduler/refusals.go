package scheduler

import (
	"context"
	"time"

	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
)

// RefusalLedger implements component E's read side: RefusedHosts runs one query per task
// and returns the refusing hosts as a set, so do_schedule can exclude them from candidate
// ranking without a query per (task, host) pair. It keeps no per-tick snapshot; every call
// reads the store.
type RefusalLedger struct {
	refusalRepo        database.RefusalRepository
	softRefusalTimeout time.Duration
}

func NewRefusalLedger(refusalRepo database.RefusalRepository, softRefusalTimeout time.Duration) *RefusalLedger {
	return &RefusalLedger{refusalRepo: refusalRepo, softRefusalTimeout: softRefusalTimeout}
}

// RefusedHosts returns the set of host ids currently refusing taskId: every hard refusal,
// plus soft refusals still within softRefusalTimeout of being recorded.
func (l *RefusalLedger) RefusedHosts(ctx context.Context, taskId int64) (map[int64]bool, error) {
	hostIds, err := l.refusalRepo.ActiveRefusalHostIds(ctx, taskId, l.softRefusalTimeout.Seconds())
	if err != nil {
		return nil, err
	}
	refused := make(map[int64]bool, len(hostIds))
	for _, id := range hostIds {
		refused[id] = true
	}
	return refused, nil
}

// GetTaskRefusals implements the read-only getTaskRefusals RPC.
func (l *RefusalLedger) GetTaskRefusals(ctx context.Context, taskId int64) ([]database.Refusal, error) {
	return l.refusalRepo.GetTaskRefusals(ctx, taskId)
}

// RecordRefusal implements the setRefusal RPC (component F calls through here rather than
// straight to the repository so a future policy change - e.g. auto-disabling a host after N
// hard refusals - has a single seam).
func (l *RefusalLedger) RecordRefusal(ctx context.Context, hostId, taskId int64, soft bool, message string) error {
	return l.refusalRepo.SetRefusal(ctx, database.Refusal{
		HostId:  hostId,
		TaskId:  taskId,
		Soft:    soft,
		ByHost:  true,
		Message: message,
	})
}
