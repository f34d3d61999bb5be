package scheduler

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/common/app"
	dbcommon "github.com/armadaproject/sessionscheduler/internal/common/database"
	"github.com/armadaproject/sessionscheduler/internal/common/health"
	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
	"github.com/armadaproject/sessionscheduler/internal/common/pulsarutils"
	"github.com/armadaproject/sessionscheduler/internal/common/serve"
	"github.com/armadaproject/sessionscheduler/internal/common/task"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/agentclient"
	schedulerconfig "github.com/armadaproject/sessionscheduler/internal/scheduler/configuration"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/coordinator"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/database"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/events"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/leader"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/locking"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/marks"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/metrics"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/provisioner"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/selectors"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/validation"
)

const defaultTaskStopTimeout = 30 * time.Second

// repository is everything the coordinators read and write.
type repository interface {
	database.SchedulerRepository
	database.RouteRepository
}

// Run sets up a scheduler application and runs it until a SIGTERM is received
func Run(config schedulerconfig.Configuration) error {
	g, ctx := logcontext.ErrGroup(app.CreateContextWithShutdown())
	clk := clock.RealClock{}

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	shutdownHttpServer := serve.ServeHttp(config.Http.Port, mux)
	defer shutdownHttpServer()

	//////////////////////////////////////////////////////////////////////////
	// Redis
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up redis connection")
	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
		}
	}()
	healthChecks.Add(health.FuncChecker(func() error {
		return errors.WithMessage(redisClient.Ping(ctx).Err(), "redis ping failed")
	}))

	//////////////////////////////////////////////////////////////////////////
	// Repository, locks and leader store
	//////////////////////////////////////////////////////////////////////////
	var repo repository
	var lockFactory locking.LockFactory
	var leaderStore leader.LeaderStore
	switch config.Mode {
	case schedulerconfig.ModeStandalone:
		log.Infof("Scheduler will run in standalone mode")
		memoryRepo, err := newStandaloneRepository(ctx, config.Standalone, clk)
		if err != nil {
			return err
		}
		repo = memoryRepo
		lockFactory = locking.NewLocalLockFactory(clk)
		leaderStore = leader.StandaloneLeaderStore{}
	case schedulerconfig.ModeCluster:
		log.Infof("Scheduler will run in cluster mode")
		db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return errors.WithMessage(err, "error opening connection to postgres")
		}
		defer db.Close()
		healthChecks.Add(health.FuncChecker(func() error {
			return errors.WithMessage(db.Ping(ctx), "postgres ping failed")
		}))
		repo = database.NewPostgresRepository(db, clk)
		lockFactory = locking.NewRedisLockFactory(redisClient, config.Scheduling.LockPollInterval, clk)
		switch config.Leader.Store {
		case schedulerconfig.LeaderStorePostgres:
			leaderStore = leader.NewPostgresLeaderStore(db)
		default:
			leaderStore = leader.NewRedisLeaderStore(redisClient)
		}
	default:
		return errors.Errorf("%s is not a valid scheduler mode", config.Mode)
	}

	//////////////////////////////////////////////////////////////////////////
	// Events
	//////////////////////////////////////////////////////////////////////////
	producer, err := createEventProducer(config)
	if err != nil {
		return err
	}
	defer producer.Close()

	//////////////////////////////////////////////////////////////////////////
	// Scheduling
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up coordinators")
	schedulerMetrics := metrics.New()
	validatorNames := config.Scheduling.Validators
	if len(validatorNames) == 0 {
		validatorNames = validation.DefaultOrder
	}
	pipeline, err := validation.NewPipelineFromNames(validatorNames, clk)
	if err != nil {
		return errors.WithMessage(err, "error creating validator pipeline")
	}
	cursors := selectors.NewCursorTable()
	sessionProvisioner := provisioner.NewSessionProvisioner(pipeline, selectors.NewPool(cursors), config.Scheduling.ResourcePriority, clk)
	agents, err := agentclient.NewRedisPool(config.Scheduling.AgentClientCacheSize, redisClient, config.Scheduling.AgentHeartbeatTimeout, clk)
	if err != nil {
		return errors.WithMessage(err, "error creating agent client pool")
	}
	scheduleMarks := marks.NewScheduleMarks(redisClient)

	scheduleCoordinator := coordinator.NewScheduleCoordinator(
		repo,
		map[coordinator.ScheduleType]coordinator.ScheduleHandler{
			coordinator.ScheduleTypeSchedule: coordinator.NewScheduleSessionsHandler(
				repo,
				sessionProvisioner,
				cursors,
				selectors.NewRedisCursorStore(redisClient),
				agents,
				marks.NewPendingQueue(redisClient),
				schedulerMetrics,
				clk,
			),
			coordinator.ScheduleTypeSweep: coordinator.NewSweepSessionsHandler(repo, schedulerMetrics, clk),
		},
		scheduleTaskSpecs(config.Scheduling.Tasks),
		scheduleMarks,
		producer,
		lockFactory,
		config.Scheduling.LockLifetime,
		schedulerMetrics,
		clk,
	)
	routeCoordinator := coordinator.NewRouteCoordinator(
		repo,
		map[coordinator.RouteLifecycleType]coordinator.RouteHandler{
			coordinator.RouteLifecycleProvisioning: coordinator.NewProvisioningRouteHandler(
				repo, repo, sessionProvisioner, agents, config.Scheduling.MaxProvisionAttempts,
			),
			coordinator.RouteLifecycleTerminating: coordinator.TerminatingRouteHandler{},
		},
		routeTaskSpecs(config.Scheduling.Tasks),
		scheduleMarks,
		producer,
		lockFactory,
		config.Scheduling.LockLifetime,
		schedulerMetrics,
		clk,
	)

	//////////////////////////////////////////////////////////////////////////
	// Leader Election
	//////////////////////////////////////////////////////////////////////////
	serverID := config.Leader.ServerID
	if serverID == "" {
		serverID = defaultServerID()
	}
	leaderElection, err := leader.NewLeaderElection(leader.Config{
		ServerID:         serverID,
		LeaderKey:        config.Leader.LeaderKey,
		LeaseDuration:    config.Leader.LeaseDuration,
		RenewalInterval:  config.Leader.RenewalInterval,
		FailureThreshold: config.Leader.FailureThreshold,
	}, leaderStore, clk)
	if err != nil {
		return errors.WithMessage(err, "error creating leader election")
	}
	stopTimeout := config.Leader.TaskStopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultTaskStopTimeout
	}
	taskManager := task.NewBackgroundTaskManager(metrics.Prefix, clk)
	taskRunner := leader.NewTaskRunner(taskManager, stopTimeout)
	taskRunner.Register(scheduleCoordinator.Tasks()...)
	taskRunner.Register(routeCoordinator.Tasks()...)
	leaderMetrics := leader.NewLeaderMetricsCollector(serverID)
	leaderElection.RegisterListener(taskRunner)
	leaderElection.RegisterListener(leaderMetrics)

	//////////////////////////////////////////////////////////////////////////
	// Metrics
	//////////////////////////////////////////////////////////////////////////
	prometheus.MustRegister(schedulerMetrics, taskManager, leaderMetrics)
	shutdownMetricServer := serve.ServeMetrics(config.Metrics.Port, prometheus.DefaultGatherer)
	defer shutdownMetricServer()

	g.Go(func() error { return leaderElection.Run(ctx) })

	// Mark startup as complete, will allow the health check to return healthy
	startupCompleteCheck.MarkComplete()

	return g.Wait()
}

func newStandaloneRepository(
	ctx *logcontext.Context,
	config schedulerconfig.StandaloneConfig,
	clk clock.PassiveClock,
) (*database.MemoryRepository, error) {
	repo, err := database.NewMemoryRepository(clk)
	if err != nil {
		return nil, errors.WithMessage(err, "error creating in-memory repository")
	}
	if err := repo.UpsertScalingGroups(ctx, config.ScalingGroups...); err != nil {
		return nil, err
	}
	if err := repo.UpsertAgents(ctx, config.Agents...); err != nil {
		return nil, err
	}
	if err := repo.UpsertPolicies(ctx, database.PolicySet{SlotTypes: config.SlotTypes}); err != nil {
		return nil, err
	}
	ctx.Log.Infof("Seeded in-memory repository with %d scaling groups and %d agents", len(config.ScalingGroups), len(config.Agents))
	return repo, nil
}

func createEventProducer(config schedulerconfig.Configuration) (events.EventProducer, error) {
	if config.Pulsar == nil {
		log.Infof("No pulsar configured, scheduler events will be logged")
		return events.LogEventProducer{}, nil
	}
	log.Infof("Setting up Pulsar connectivity")
	pulsarClient, err := pulsarutils.NewPulsarClient(config.Pulsar)
	if err != nil {
		return nil, errors.WithMessage(err, "error creating pulsar client")
	}
	producer, err := events.NewPulsarEventProducer(pulsarClient, pulsar.ProducerOptions{
		Name:  fmt.Sprintf("session-scheduler-%s", uuid.NewString()),
		Topic: config.Pulsar.EventTopic,
	}, config.Pulsar.SendTimeout)
	if err != nil {
		pulsarClient.Close()
		return nil, errors.WithMessage(err, "error creating pulsar producer")
	}
	return &closingProducer{PulsarEventProducer: producer, client: pulsarClient}, nil
}

// closingProducer closes the pulsar client together with its producer.
type closingProducer struct {
	*events.PulsarEventProducer
	client pulsar.Client
}

func (p *closingProducer) Close() {
	p.PulsarEventProducer.Close()
	p.client.Close()
}

func scheduleTaskSpecs(overrides map[string]schedulerconfig.TaskConfig) map[coordinator.ScheduleType]coordinator.TaskSpec {
	specs := make(map[coordinator.ScheduleType]coordinator.TaskSpec, len(coordinator.DefaultScheduleTaskSpecs))
	for t, spec := range coordinator.DefaultScheduleTaskSpecs {
		if override, ok := overrides[string(t)]; ok {
			spec = taskSpec(override)
		}
		specs[t] = spec
	}
	return specs
}

func routeTaskSpecs(overrides map[string]schedulerconfig.TaskConfig) map[coordinator.RouteLifecycleType]coordinator.TaskSpec {
	specs := make(map[coordinator.RouteLifecycleType]coordinator.TaskSpec, len(coordinator.DefaultRouteTaskSpecs))
	for t, spec := range coordinator.DefaultRouteTaskSpecs {
		if override, ok := overrides["route_"+string(t)]; ok {
			spec = taskSpec(override)
		}
		specs[t] = spec
	}
	return specs
}

func taskSpec(c schedulerconfig.TaskConfig) coordinator.TaskSpec {
	return coordinator.TaskSpec{
		ShortInterval: c.ShortInterval,
		LongInterval:  c.LongInterval,
		InitialDelay:  c.InitialDelay,
	}
}

func defaultServerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "scheduler"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}
