package scheduler

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/koji-project/koji-scheduler/internal/common/logging"
	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
	"github.com/koji-project/koji-scheduler/internal/scheduler/schedulererrors"
)

// Scheduler implements component C: the tick loop that ties the Host Registry, Task Pool,
// Refusal Ledger and Assignment Engine together under the single-writer advisory lock.
type Scheduler struct {
	pool *pgxpool.Pool
	lock *database.AdvisoryLock
	clk  clock.Clock

	registry *HostRegistry
	taskPool *TaskPool
	ledger   *RefusalLedger
	assigner *AssignmentEngine
	logRepo  database.LogRepository

	maxJobsPerHost     int
	capacityOvercommit float64
	runInterval        time.Duration
	methodWeights      map[string]float64

	metrics *MetricsCollector
}

func NewScheduler(
	pool *pgxpool.Pool,
	registry *HostRegistry,
	taskPool *TaskPool,
	ledger *RefusalLedger,
	assigner *AssignmentEngine,
	logRepo database.LogRepository,
	clk clock.Clock,
	maxJobsPerHost int,
	capacityOvercommit float64,
	runInterval time.Duration,
	methodWeights map[string]float64,
	metrics *MetricsCollector,
) *Scheduler {
	return &Scheduler{
		pool:               pool,
		lock:               database.NewAdvisoryLock(pool, database.SchedulerLockName),
		clk:                clk,
		registry:           registry,
		taskPool:           taskPool,
		ledger:             ledger,
		assigner:           assigner,
		logRepo:            logRepo,
		maxJobsPerHost:     maxJobsPerHost,
		capacityOvercommit: capacityOvercommit,
		runInterval:        runInterval,
		methodWeights:      methodWeights,
		metrics:            metrics,
	}
}

// Run ticks once every runInterval until ctx is cancelled, the way the teacher's scheduler
// loop drives doCycle from a clock.Ticker.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clk.NewTicker(s.runInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			start := s.clk.Now()
			ran, err := s.DoTick(ctx, false)
			if err != nil {
				logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("error in scheduling tick")
				continue
			}
			if ran {
				log.Infof("completed scheduling tick in %s", s.clk.Now().Sub(start))
			}
		}
	}
}

// DoTick runs a single tick: acquire the lock, gate on run_interval unless forced, refresh
// snapshots, run check_active_tasks/check_hosts, reconcile task host_ids with their active
// runs, run do_schedule, persist last_run_ts, release.
// Returns false if the tick was skipped (lock busy, or interval not elapsed).
func (s *Scheduler) DoTick(ctx context.Context, force bool) (bool, error) {
	acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return false, err
	}
	if !acquired {
		if s.metrics != nil {
			s.metrics.RecordLockSkipped()
		}
		return false, nil
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			log.WithError(err).Warn("failed to release scheduler advisory lock")
		}
	}()

	ran, err := s.checkTsAndRun(ctx, force)
	if err != nil {
		return ran, &schedulererrors.ErrDatabaseError{Cause: err}
	}
	return ran, nil
}

func (s *Scheduler) checkTsAndRun(ctx context.Context, force bool) (bool, error) {
	lastRunTs, err := s.getLastRunTs(ctx)
	if err != nil {
		return false, err
	}
	if !force && lastRunTs != nil && s.clk.Now().Sub(*lastRunTs) < s.runInterval {
		return false, nil
	}

	start := s.clk.Now()

	if err := s.registry.Refresh(ctx); err != nil {
		return false, err
	}
	if err := s.taskPool.Refresh(ctx); err != nil {
		return false, err
	}

	freedByRuns, err := s.taskPool.CheckActiveTasks(ctx, s.registry)
	if err != nil {
		return false, err
	}
	freedByHosts, err := s.registry.CheckHosts(ctx, s.taskPool.taskRepo, s.logRepo)
	if err != nil {
		return false, err
	}
	// Tasks freed by the checks above were not FREE when the pool was loaded; reload it so
	// do_schedule can place them in this tick.
	if len(freedByRuns)+len(freedByHosts) > 0 {
		if err := s.taskPool.Refresh(ctx); err != nil {
			return false, err
		}
	}

	// The active run is authoritative for which host holds a task: copy its host_id onto
	// any task row that disagrees.
	if _, err := s.pool.Exec(ctx, `
		UPDATE task t SET host_id = r.host_id
		FROM scheduler_task_run r
		WHERE r.task_id = t.id AND r.state IN ($1, $2) AND t.host_id IS DISTINCT FROM r.host_id`,
		database.RunStateAssigned, database.RunStateRunning); err != nil {
		return false, errors.WithStack(err)
	}

	if err := s.doSchedule(ctx); err != nil {
		return false, err
	}

	if err := s.setLastRunTs(ctx, start); err != nil {
		return false, err
	}
	if s.metrics != nil {
		s.metrics.RecordTickDuration(s.clk.Now().Sub(start))
	}
	return true, nil
}

// doSchedule walks free tasks in authoritative order and assigns each to the best-fit
// eligible host, per component C's algorithm. Rejections (no candidates, lost races) are
// logged but never abort the tick.
func (s *Scheduler) doSchedule(ctx context.Context) error {
	return s.taskPool.Iterate(func(task database.Task) error {
		host, err := s.pickHost(ctx, task)
		if err != nil {
			return err
		}
		if host == nil {
			log.Info((&schedulererrors.ErrNoCandidates{TaskId: task.Id, Bin: taskBin(task)}).Error())
			return nil
		}

		if _, err := s.assigner.Assign(ctx, task.Id, host.Host.Id, false, false); err != nil {
			if _, ok := err.(*schedulererrors.ErrTaskAlreadyAssigned); ok {
				log.Infof("task %d lost assignment race, leaving for next tick", task.Id)
				return nil
			}
			return err
		}

		host.PendingWeight += task.Weight * s.methodWeight(task.Method)
		host.PendingAssignments++
		if s.metrics != nil {
			s.metrics.RecordAssigned(taskBin(task))
		}
		return nil
	})
}

// pickHost resolves and ranks the candidate hosts for task, returning the best-fit host or
// nil if none qualify.
func (s *Scheduler) pickHost(ctx context.Context, task database.Task) (*hostState, error) {
	candidates := s.registry.CandidatesForBin(taskBin(task))
	candidates = append(candidates, s.registry.CandidatesForBin(binKey(task.ChannelId, database.NoArch))...)
	if len(candidates) == 0 {
		return nil, nil
	}

	refused, err := s.ledger.RefusedHosts(ctx, task.Id)
	if err != nil {
		return nil, err
	}

	weight := task.Weight * s.methodWeight(task.Method)

	var best *hostState
	seen := make(map[int64]bool, len(candidates))
	for _, h := range candidates {
		if seen[h.Host.Id] {
			continue
		}
		seen[h.Host.Id] = true

		if refused[h.Host.Id] {
			continue
		}
		if h.PendingAssignments >= s.maxJobsPerHost {
			continue
		}
		if h.projectedLoad()+weight > h.Host.Capacity+s.capacityOvercommit {
			continue
		}

		if best == nil || betterCandidate(h, best) {
			best = h
		}
	}
	return best, nil
}

// betterCandidate reports whether h ranks ahead of current: ascending projected load ratio,
// tie-broken by the freshest last_update_ts.
func betterCandidate(h, current *hostState) bool {
	hr, cr := h.projectedRatio(), current.projectedRatio()
	if hr != cr {
		return hr < cr
	}
	if h.Host.LastUpdate == nil || current.Host.LastUpdate == nil {
		return false
	}
	return h.Host.LastUpdate.After(*current.Host.LastUpdate)
}

func (s *Scheduler) methodWeight(method string) float64 {
	if w, ok := s.methodWeights[method]; ok {
		return w
	}
	return 1.0
}

func (s *Scheduler) getLastRunTs(ctx context.Context) (*time.Time, error) {
	var lastRunTs *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_run_ts FROM scheduler_state WHERE name = $1`, database.SchedulerLockName).
		Scan(&lastRunTs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return lastRunTs, nil
}

func (s *Scheduler) setLastRunTs(ctx context.Context, ts time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scheduler_state SET last_run_ts = $1 WHERE name = $2`, ts, database.SchedulerLockName)
	return errors.WithStack(err)
}
