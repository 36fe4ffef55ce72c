package scheduler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
)

// hostState is the in-memory view of a host the scheduling loop ranks and mutates as it
// walks free tasks within a single tick. PendingWeight and PendingAssignments are adjusted
// locally after each successful assignment so later ranking in the same tick reflects
// in-flight decisions without re-querying the database.
type hostState struct {
	Host database.Host

	PendingWeight      float64
	PendingAssignments int
}

func (h *hostState) projectedLoad() float64 {
	return h.Host.TaskLoad + h.PendingWeight
}

func (h *hostState) projectedRatio() float64 {
	if h.Host.Capacity <= 0 {
		return h.projectedLoad()
	}
	return h.projectedLoad() / h.Host.Capacity
}

// HostRegistry implements component A: it tracks known hosts, their bins, readiness and
// load, refreshed once at the start of each tick from a single consistent snapshot.
type HostRegistry struct {
	hostRepo database.HostRepository
	clock    clock.Clock

	readyTimeout time.Duration
	hostTimeout  time.Duration

	hostsById  map[int64]*hostState
	hostsByBin map[string][]*hostState
}

func NewHostRegistry(hostRepo database.HostRepository, clk clock.Clock, readyTimeout, hostTimeout time.Duration) *HostRegistry {
	return &HostRegistry{
		hostRepo:     hostRepo,
		clock:        clk,
		readyTimeout: readyTimeout,
		hostTimeout:  hostTimeout,
	}
}

// Refresh reloads every enabled host from the durable store and rebuilds hosts_by_id and
// hosts_by_bin. Called once per tick, before check_active_tasks/check_hosts/do_schedule.
func (r *HostRegistry) Refresh(ctx context.Context) error {
	hosts, err := r.hostRepo.GetEnabledHosts(ctx)
	if err != nil {
		return err
	}

	hostsById := make(map[int64]*hostState, len(hosts))
	hostsByBin := make(map[string][]*hostState)
	for i := range hosts {
		state := &hostState{Host: hosts[i]}
		hostsById[state.Host.Id] = state
		for _, bin := range hostBins(state.Host.Channels, state.Host.Arches) {
			hostsByBin[bin] = append(hostsByBin[bin], state)
		}
	}
	r.hostsById = hostsById
	r.hostsByBin = hostsByBin
	return nil
}

// ById returns the in-memory state for a host, or nil if it isn't enabled/known this tick.
func (r *HostRegistry) ById(hostId int64) *hostState {
	return r.hostsById[hostId]
}

// CandidatesForBin returns the eligible hosts in the given bin. Every host sits in the
// noarch bin of each of its channels, so a noarch task's bin yields every eligible host in
// the channel, while a concrete arch's bin yields only hosts that declare that arch.
func (r *HostRegistry) CandidatesForBin(bin string) []*hostState {
	var eligible []*hostState
	for _, h := range r.hostsByBin[bin] {
		if r.isEligible(h.Host) {
			eligible = append(eligible, h)
		}
	}
	return eligible
}

// isEligible reports whether a host may receive new assignments this tick: ready, enabled
// (already guaranteed by Refresh only loading enabled hosts), and seen within readyTimeout.
// readyTimeout governs how long a ready=true host is trusted without a heartbeat; it is
// deliberately shorter than hostTimeout, which only governs eviction of active runs.
func (r *HostRegistry) isEligible(h database.Host) bool {
	if !h.Ready || !h.Enabled {
		return false
	}
	if h.LastUpdate == nil {
		return false
	}
	return r.clock.Now().Sub(*h.LastUpdate) <= r.readyTimeout
}

// CheckHosts sweeps hosts whose last update is older than hostTimeout: their active runs
// are marked OVERRIDE and the underlying tasks returned to FREE, so another host can take
// them. Returns the ids of tasks that were freed, for the loop to fold into do_schedule.
func (r *HostRegistry) CheckHosts(ctx context.Context, taskRepo database.TaskRepository, logRepo database.LogRepository) ([]int64, error) {
	var freedTaskIds []int64
	for _, h := range r.hostsById {
		if h.Host.LastUpdate != nil && r.clock.Now().Sub(*h.Host.LastUpdate) <= r.hostTimeout {
			continue
		}
		freed, err := evictDeadHost(ctx, taskRepo, logRepo, h.Host)
		if err != nil {
			return freedTaskIds, err
		}
		freedTaskIds = append(freedTaskIds, freed...)
		if len(freed) > 0 {
			log.Warnf("host %s (id %d) missed heartbeat, evicted %d active run(s)", h.Host.Name, h.Host.Id, len(freed))
		}
	}
	return freedTaskIds, nil
}
