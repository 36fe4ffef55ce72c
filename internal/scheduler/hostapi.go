package scheduler

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
)

// HostAPI implements component F: the host-facing and operator-facing surface the
// transport layer (out of scope, §1) drives. Every method here either holds no scheduling
// semantics beyond a single row-level transaction, or delegates to a component that does
// (the Assignment Engine for assignTask, the Scheduler for doRun).
type HostAPI struct {
	pool *pgxpool.Pool

	hostRepo     database.HostRepository
	taskRepo     database.TaskRepository
	taskRunRepo  database.TaskRunRepository
	hostDataRepo database.HostDataRepository
	logRepo      database.LogRepository

	ledger    *RefusalLedger
	assigner  *AssignmentEngine
	scheduler *Scheduler
	metrics   *MetricsCollector
}

func NewHostAPI(
	pool *pgxpool.Pool,
	hostRepo database.HostRepository,
	taskRepo database.TaskRepository,
	taskRunRepo database.TaskRunRepository,
	hostDataRepo database.HostDataRepository,
	logRepo database.LogRepository,
	ledger *RefusalLedger,
	assigner *AssignmentEngine,
	scheduler *Scheduler,
	metrics *MetricsCollector,
) *HostAPI {
	return &HostAPI{
		pool:         pool,
		hostRepo:     hostRepo,
		taskRepo:     taskRepo,
		taskRunRepo:  taskRunRepo,
		hostDataRepo: hostDataRepo,
		logRepo:      logRepo,
		ledger:       ledger,
		assigner:     assigner,
		scheduler:    scheduler,
		metrics:      metrics,
	}
}

// GetTasksForHost returns hostId's ASSIGNED tasks and, in the same transaction, refreshes
// its heartbeat - so a host that just appeared via this call is immediately visible as
// fresh to the next tick, per §5's ordering guarantee.
func (a *HostAPI) GetTasksForHost(ctx context.Context, hostId int64) ([]database.Task, error) {
	var tasks []database.Task
	err := database.BeginTx(ctx, a.pool, func(tx pgx.Tx) error {
		if err := a.hostRepo.Touch(ctx, tx, hostId); err != nil {
			return err
		}
		var err error
		tasks, err = a.taskRepo.GetAssignedTasksForHost(ctx, tx, hostId)
		return err
	})
	return tasks, err
}

// SetHostData stores the host's self-report and applies the fields the Host Registry reads
// (arches, channels, capacity, readiness, load) to the host row, so the next tick sees it.
// It deliberately does not touch last_update_ts: per §9, only getTasksForHost is a heartbeat.
func (a *HostAPI) SetHostData(ctx context.Context, hostId int64, data database.HostCapabilities) error {
	if err := a.hostDataRepo.Set(ctx, hostId, data); err != nil {
		return err
	}
	return a.hostRepo.UpdateSelfReport(ctx, hostId, data)
}

// SetRefusal implements the host-initiated setRefusal RPC.
func (a *HostAPI) SetRefusal(ctx context.Context, hostId, taskId int64, soft bool, message string) error {
	if err := a.ledger.RecordRefusal(ctx, hostId, taskId, soft, message); err != nil {
		return err
	}
	if a.metrics != nil {
		a.metrics.RecordRefusal(soft)
	}
	return nil
}

// OpenTask implements the ASSIGNED->OPEN transition a host calls once it has accepted its
// assignment. Returns schedulererrors.ErrWrongHost (via the repository) if callerHostId
// doesn't hold the active run.
func (a *HostAPI) OpenTask(ctx context.Context, taskId int64, callerHostId int64) error {
	return a.taskRunRepo.OpenTask(ctx, taskId, callerHostId)
}

// AssignTask implements the administrative assignTask RPC: an operator-forced assignment
// that bypasses do_schedule's host-eligibility checks by going straight through the
// Assignment Engine rather than pickHost. override, when true, lets it reassign a task
// that already has an active run, marking the prior run OVERRIDE.
func (a *HostAPI) AssignTask(ctx context.Context, taskId, hostId int64, force, override bool) (database.TaskRun, error) {
	return a.assigner.Assign(ctx, taskId, hostId, force, override)
}

func (a *HostAPI) GetTaskRuns(ctx context.Context, taskId int64) ([]database.TaskRun, error) {
	return a.taskRunRepo.GetTaskRuns(ctx, taskId)
}

func (a *HostAPI) GetTaskRefusals(ctx context.Context, taskId int64) ([]database.Refusal, error) {
	return a.ledger.GetTaskRefusals(ctx, taskId)
}

func (a *HostAPI) GetHostData(ctx context.Context, hostId int64) (database.HostCapabilities, bool, error) {
	return a.hostDataRepo.Get(ctx, hostId)
}

func (a *HostAPI) GetLogMessages(ctx context.Context, taskId *int64, limit int) ([]database.LogMessage, error) {
	return a.logRepo.GetLogMessages(ctx, taskId, limit)
}

// DoRun runs a scheduler tick, bypassing the run_interval gate when force is true - the
// operator/test hook from §4.F.
func (a *HostAPI) DoRun(ctx context.Context, force bool) (bool, error) {
	return a.scheduler.DoTick(ctx, force)
}
