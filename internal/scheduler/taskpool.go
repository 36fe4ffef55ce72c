package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
)

const (
	freeTasksTable = "free_tasks"
	taskIdIndex    = "id"
	taskOrderIndex = "order"
)

// taskPoolSchema is a single-table schema ordering free tasks by (priority, create_ts, id),
// the authoritative scheduling order, the same way the teacher's jobdb orders by
// (queue, priority, timestamp).
func taskPoolSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			freeTasksTable: {
				Name: freeTasksTable,
				Indexes: map[string]*memdb.IndexSchema{
					taskIdIndex: {
						Name:    taskIdIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "Id"},
					},
					taskOrderIndex: {
						Name:   taskOrderIndex,
						Unique: false,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.IntFieldIndex{Field: "Priority"},
								&memdb.UnixTimeIndex{Field: "CreateTs"},
								&memdb.IntFieldIndex{Field: "Id"},
							},
						},
					},
				},
			},
		},
	}
}

// TaskPool implements component B: it loads free tasks and active runs each tick and
// offers free tasks back to the loop in authoritative order via an in-memory index.
type TaskPool struct {
	db *memdb.MemDB

	taskRepo database.TaskRepository

	assignTimeout time.Duration
	hostTimeout   time.Duration
	clock         clock.Clock
	metrics       *MetricsCollector
}

func NewTaskPool(taskRepo database.TaskRepository, clk clock.Clock, assignTimeout, hostTimeout time.Duration, metrics *MetricsCollector) (*TaskPool, error) {
	db, err := memdb.NewMemDB(taskPoolSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &TaskPool{
		db:            db,
		taskRepo:      taskRepo,
		assignTimeout: assignTimeout,
		hostTimeout:   hostTimeout,
		clock:         clk,
		metrics:       metrics,
	}, nil
}

// Refresh loads free_tasks from the durable store into the in-memory ordering index.
func (p *TaskPool) Refresh(ctx context.Context) error {
	tasks, err := p.taskRepo.FreeTasks(ctx)
	if err != nil {
		return err
	}
	txn := p.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(freeTasksTable, taskIdIndex); err != nil {
		return errors.WithStack(err)
	}
	for i := range tasks {
		if err := txn.Insert(freeTasksTable, &tasks[i]); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

// Iterate walks free tasks in (priority, create_ts, id) order, the order do_schedule must
// assign in.
func (p *TaskPool) Iterate(fn func(database.Task) error) error {
	txn := p.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(freeTasksTable, taskOrderIndex)
	if err != nil {
		return errors.WithStack(err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		task := obj.(*database.Task)
		if err := fn(*task); err != nil {
			return err
		}
	}
	return nil
}

// Remove drops a task from the in-memory pool until the next Refresh, so a later Iterate
// does not offer it. doSchedule does not call it; each tick's Iterate visits a task once.
func (p *TaskPool) Remove(taskId int64) error {
	txn := p.db.Txn(true)
	defer txn.Abort()
	if err := txn.Delete(freeTasksTable, &database.Task{Id: taskId}); err != nil {
		if err != memdb.ErrNotFound {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

// CheckActiveTasks implements the two active-run timeout checks from component B:
//   - an ASSIGNED run whose host hasn't opened it within assignTimeout -> OVERRIDE, task
//     back to FREE, soft refusal recorded for (host, task).
//   - a RUNNING run whose host has gone silent -> OVERRIDE, task back to FREE.
//
// Dead-host RUNNING evictions are also covered by HostRegistry.CheckHosts; this pass
// additionally catches a host that is still "fresh" by heartbeat but whose run itself
// has gone past assign_timeout without being opened.
func (p *TaskPool) CheckActiveTasks(ctx context.Context, registry *HostRegistry) ([]int64, error) {
	runs, err := p.taskRepo.ActiveRuns(ctx)
	if err != nil {
		return nil, err
	}

	var freedTaskIds []int64
	for _, run := range runs {
		host := registry.ById(run.HostId)

		switch run.State {
		case database.RunStateAssigned:
			if p.clock.Now().Sub(run.CreateTs) <= p.assignTimeout {
				continue
			}
			reason := fmt.Sprintf("assign timeout after %s", p.assignTimeout)
			if err := p.taskRepo.ReturnToFree(ctx, run.Id, run.TaskId, run.HostId, reason); err != nil {
				return freedTaskIds, err
			}
			if p.metrics != nil {
				p.metrics.RecordRefusal(true)
			}
			log.Infof("task %d assign timeout on host %d, returned to FREE", run.TaskId, run.HostId)
			freedTaskIds = append(freedTaskIds, run.TaskId)

		case database.RunStateRunning:
			if host != nil && host.Host.LastUpdate != nil &&
				p.clock.Now().Sub(*host.Host.LastUpdate) <= p.hostTimeout {
				continue
			}
			if err := p.taskRepo.ReturnToFree(ctx, run.Id, run.TaskId, run.HostId, ""); err != nil {
				return freedTaskIds, err
			}
			log.Infof("task %d host %d went silent, returned to FREE", run.TaskId, run.HostId)
			freedTaskIds = append(freedTaskIds, run.TaskId)
		}
	}
	return freedTaskIds, nil
}

// evictDeadHost overrides every active run belonging to a host the registry has decided
// is dead, returning the underlying tasks to FREE with no refusal recorded - the host's
// absence isn't the task's fault.
func evictDeadHost(ctx context.Context, taskRepo database.TaskRepository, logRepo database.LogRepository, host database.Host) ([]int64, error) {
	runs, err := taskRepo.ActiveRuns(ctx)
	if err != nil {
		return nil, err
	}
	var freed []int64
	for _, run := range runs {
		if run.HostId != host.Id {
			continue
		}
		if err := taskRepo.ReturnToFree(ctx, run.Id, run.TaskId, run.HostId, ""); err != nil {
			return freed, err
		}
		taskId := run.TaskId
		if logErr := logRepo.Log(ctx, nil, &taskId, &host.Id, host.Name,
			fmt.Sprintf("host %s evicted (missed heartbeat), task returned to FREE", host.Name)); logErr != nil {
			log.WithError(logErr).Warn("failed to record eviction log entry")
		}
		freed = append(freed, run.TaskId)
	}
	return freed, nil
}
