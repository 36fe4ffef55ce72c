package scheduler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/koji-project/koji-scheduler/internal/common"
	"github.com/koji-project/koji-scheduler/internal/common/app"
	commondatabase "github.com/koji-project/koji-scheduler/internal/common/database"
	"github.com/koji-project/koji-scheduler/internal/common/health"
	"github.com/koji-project/koji-scheduler/internal/common/util"
	"github.com/koji-project/koji-scheduler/internal/scheduler/configuration"
	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
)

// Run sets up the scheduler core application and runs it until a shutdown signal is received.
func Run(config configuration.Configuration) error {
	instanceId := uuid.New()
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())
	ctx = ctxlogrus.ToContext(ctx, log.NewEntry(log.StandardLogger()).WithField("instance", instanceId))
	log.Infof("starting koji scheduler core, instance %s", instanceId)

	mux := http.NewServeMux()
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	mux.Handle("/metrics", promhttp.Handler())
	shutdownHttpServer := common.ServeHttp(config.Http.Port, mux)
	defer shutdownHttpServer()

	log.Info("setting up database connection")
	var pool *pgxpool.Pool
	util.RetryUntilSuccess(ctx, func() error {
		var openErr error
		pool, openErr = commondatabase.OpenPgxPool(config.Postgres)
		return openErr
	}, func(err error) {
		log.WithError(err).Warn("failed to connect to postgres, retrying")
	})
	if pool == nil {
		return errors.New("failed to connect to postgres before shutdown")
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		return errors.WithMessage(err, "error applying database migrations")
	}

	hostRepo := database.NewPostgresHostRepository(pool)
	taskRepo := database.NewPostgresTaskRepository(pool)
	taskRunRepo := database.NewPostgresTaskRunRepository(pool)
	refusalRepo := database.NewPostgresRefusalRepository(pool)
	hostDataRepo := database.NewPostgresHostDataRepository(pool)
	logRepo := database.NewPostgresLogRepository(pool)

	clk := clock.RealClock{}

	metrics := NewMetricsCollector(hostRepo, taskRepo, config.Metrics.RefreshInterval)
	prometheus.MustRegister(metrics)
	g.Go(func() error { return metrics.Run(ctx) })

	registry := NewHostRegistry(hostRepo, clk, config.ReadyTimeout, config.HostTimeout)
	taskPool, err := NewTaskPool(taskRepo, clk, config.AssignTimeout, config.HostTimeout, metrics)
	if err != nil {
		return errors.WithMessage(err, "error creating task pool")
	}
	ledger := NewRefusalLedger(refusalRepo, config.SoftRefusalTimeout)
	assigner := NewAssignmentEngine(pool, logRepo)

	sched := NewScheduler(
		pool, registry, taskPool, ledger, assigner, logRepo, clk,
		config.MaxJobsPerHost, config.CapacityOvercommit, config.RunInterval, config.MethodWeights, metrics,
	)
	g.Go(func() error { return sched.Run(ctx) })

	hostAPI := NewHostAPI(pool, hostRepo, taskRepo, taskRunRepo, hostDataRepo, logRepo, ledger, assigner, sched, metrics)
	hostAPI.RegisterHttpHandlers(mux)

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}
