// Command missiond runs the HITL conversation engine (C1/C2/C3) and the
// mission DAG orchestrator (C4/C5) in a single process, wiring every
// backend named in configuration: an in-memory event bus and output store
// by default, Redis-backed Pulse streams and MongoDB once configured, and
// an in-process or Temporal-backed durable engine for mission execution.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/fieldlab/missionctl/internal/agentadapter"
	"github.com/fieldlab/missionctl/internal/agentadapter/inproc"
	"github.com/fieldlab/missionctl/internal/config"
	"github.com/fieldlab/missionctl/internal/engine"
	engineinmem "github.com/fieldlab/missionctl/internal/engine/inmem"
	enginetemporal "github.com/fieldlab/missionctl/internal/engine/temporal"
	"github.com/fieldlab/missionctl/internal/eventbus"
	busmem "github.com/fieldlab/missionctl/internal/eventbus/inmem"
	"github.com/fieldlab/missionctl/internal/eventbus/pulse"
	"github.com/fieldlab/missionctl/internal/hitl"
	"github.com/fieldlab/missionctl/internal/interrupt"
	"github.com/fieldlab/missionctl/internal/mission"
	"github.com/fieldlab/missionctl/internal/mission/scheduler"
	"github.com/fieldlab/missionctl/internal/mission/scheduler/agentruntime"
	"github.com/fieldlab/missionctl/internal/model"
	"github.com/fieldlab/missionctl/internal/modelprovider"
	"github.com/fieldlab/missionctl/internal/modelprovider/anthropic"
	"github.com/fieldlab/missionctl/internal/modelprovider/bedrock"
	"github.com/fieldlab/missionctl/internal/modelprovider/gateway"
	"github.com/fieldlab/missionctl/internal/modelprovider/middleware"
	"github.com/fieldlab/missionctl/internal/modelprovider/openai"
	"github.com/fieldlab/missionctl/internal/outputstore"
	storemem "github.com/fieldlab/missionctl/internal/outputstore/inmem"
	storemongo "github.com/fieldlab/missionctl/internal/outputstore/mongo"
	"github.com/fieldlab/missionctl/internal/session"
	sessionmem "github.com/fieldlab/missionctl/internal/session/inmem"
	sessionmongo "github.com/fieldlab/missionctl/internal/session/mongo"
	"github.com/fieldlab/missionctl/internal/telemetry"
	"github.com/fieldlab/missionctl/internal/tools"
)

const runMissionWorkflow = "run_mission"
const executeMissionActivity = "execute_mission"

func main() {
	var (
		configPathF = flag.String("config", "", "path to a TOML configuration file")
		dbgF        = flag.Bool("debug", false, "log request/response detail")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*configPathF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	bus, closeBus, err := buildEventBus(ctx, cfg, metrics)
	if err != nil {
		log.Fatalf(ctx, err, "build event bus")
	}
	defer closeBus()

	outputs, err := buildOutputStore(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "build output store")
	}

	sessions, err := buildSessionStore(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "build session store")
	}

	provider, err := buildModelProvider(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "build model provider")
	}

	toolSpecs := buildToolRegistry()
	interrupts := interrupt.New(logger, metrics)

	// C2/C3: the interactive conversation path. Every turn runs in-process
	// against the same model gateway the mission scheduler drives below.
	conversationRuntime := inproc.New(sessions, provider, toolSpecs, inproc.WithLogger(logger))
	adapter := agentadapter.New(conversationRuntime, interrupts, toolSpecs,
		agentadapter.WithInterruptTTL(cfg.InterruptDeadline()),
		agentadapter.WithLogger(logger),
	)

	hitlServer := hitl.New(hitl.Config{
		Adapter:    adapter,
		Interrupts: interrupts,
		Store:      sessions,
		Logger:     logger,
		Metrics:    metrics,
	})

	// C4/C5: once a plan is approved, missions run through the DAG
	// scheduler, wrapped in a durable engine workflow so a mission survives
	// a process restart at the granularity of one run_mission execution.
	eng, stopWorkers, err := buildEngine(cfg, logger, metrics)
	if err != nil {
		log.Fatalf(ctx, err, "build workflow engine")
	}
	defer stopWorkers()

	missionRuntime := agentruntime.New(provider, toolSpecs, agentruntime.WithLogger(logger),
		agentruntime.WithTokenPricing(cfg.Model.CostPerInputTokenUSD, cfg.Model.CostPerOutputTokenUSD))
	sched := scheduler.New(scheduler.Config{
		WorkerPoolSize:     cfg.WorkerPoolSize,
		FailFastDefault:    cfg.FailFastDefault,
		DefaultTaskTimeout: cfg.DefaultTaskTimeout(),
	}, bus, outputs, missionRuntime, scheduler.WithLogger(logger), scheduler.WithMetrics(metrics))

	if err := registerMissionWorkflow(ctx, eng, sched, cfg.MaxConcurrentMissions); err != nil {
		log.Fatalf(ctx, err, "register mission workflow")
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: hitlServer.Handler(),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Print(ctx, log.KV{K: "addr", V: cfg.Server.Addr}, log.KV{K: "msg", V: "hitl server listening"})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	err = <-errc
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "reason", V: err.Error()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	wg.Wait()
}

// registerMissionWorkflow binds one workflow ("run_mission") and one
// activity ("execute_mission") on eng: the activity invokes the DAG
// scheduler synchronously, and the workflow is the single call forwarding
// the mission's compiled TaskGraph to it. This gives mission execution the
// chosen engine's restart durability without requiring the scheduler's own
// fine-grained task concurrency to know anything about engine.
//
// maxConcurrent is the max_concurrent_missions admission cap: missions past
// the cap queue on the semaphore until a running one finishes.
func registerMissionWorkflow(ctx context.Context, eng engine.Engine, sched *scheduler.Scheduler, maxConcurrent int) error {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	slots := make(chan struct{}, maxConcurrent)

	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: executeMissionActivity,
		Handler: func(ctx context.Context, input any) (any, error) {
			graph, ok := input.(*mission.TaskGraph)
			if !ok {
				return nil, fmt.Errorf("execute_mission: unexpected input type %T", input)
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			defer func() { <-slots }()
			return sched.RunMission(ctx, graph)
		},
	}); err != nil {
		return err
	}

	return eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: runMissionWorkflow,
		Handler: func(wf engine.WorkflowContext, input any) (any, error) {
			var result any
			err := wf.ExecuteActivity(wf.Context(), engine.ActivityRequest{
				Name:  executeMissionActivity,
				Input: input,
			}, &result)
			return result, err
		},
	})
}

// StartMission compiles plan against toolSpecs and starts it as a durable
// "run_mission" workflow execution. Exported for the plan-approval
// collaborator (the gated "create_research_plan" tool handler) to call once
// C1 resolves an approve/edit decision.
func StartMission(ctx context.Context, eng engine.Engine, toolSpecs mission.ToolChecker, plan mission.Plan) (engine.WorkflowHandle, error) {
	graph, err := mission.Compile(plan, toolSpecs)
	if err != nil {
		return nil, fmt.Errorf("compile plan: %w", err)
	}
	return eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "mission-" + plan.MissionID,
		Workflow: runMissionWorkflow,
		Input:    graph,
	})
}

func buildToolRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.Spec{
		Name:             "create_research_plan",
		RequiresApproval: true,
		AllowedDecisions: []interrupt.DecisionType{interrupt.DecisionApprove, interrupt.DecisionEdit, interrupt.DecisionReject},
		Describe: func(arguments map[string]any) string {
			return fmt.Sprintf("propose a research plan: %v", arguments)
		},
	})
	return reg
}

func buildEventBus(ctx context.Context, cfg config.Config, metrics telemetry.Metrics) (eventbus.Bus, func(), error) {
	if cfg.Redis.Addr == "" {
		return busmem.New(cfg.EventSubscriberBuffer, metrics), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	b, err := pulse.New(pulse.Options{Redis: rdb, SubscriberBuffer: cfg.EventSubscriberBuffer, Metrics: metrics})
	if err != nil {
		return nil, nil, err
	}
	return b, func() { _ = rdb.Close() }, nil
}

func buildOutputStore(ctx context.Context, cfg config.Config) (outputstore.Store, error) {
	if cfg.Mongo.URI == "" {
		return storemem.New(), nil
	}
	client, err := dialMongo(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return storemongo.New(ctx, storemongo.Options{Client: client, Database: cfg.Mongo.Database})
}

func buildSessionStore(ctx context.Context, cfg config.Config) (session.Store, error) {
	if cfg.Mongo.URI == "" {
		return sessionmem.New(), nil
	}
	client, err := dialMongo(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return sessionmongo.New(ctx, sessionmongo.Options{Client: client, Database: cfg.Mongo.Database})
}

var mongoOnce struct {
	client *mongo.Client
	err    error
	done   bool
}

// dialMongo lazily connects once and reuses the client for both Mongo-backed
// stores, matching the single-shared-connection convention the two stores'
// own constructors (each taking a *mongo.Client rather than dialing
// themselves) already assume.
func dialMongo(ctx context.Context, cfg config.Config) (*mongo.Client, error) {
	if mongoOnce.done {
		return mongoOnce.client, mongoOnce.err
	}
	mongoOnce.done = true
	mongoOnce.client, mongoOnce.err = mongo.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if mongoOnce.err == nil {
		mongoOnce.err = mongoOnce.client.Ping(ctx, nil)
	}
	return mongoOnce.client, mongoOnce.err
}

// buildModelProvider wires a routing gateway over whichever provider has
// credentials configured. A bare config (no API key at all, and no bedrock
// provider selected) still produces a usable gateway backed by a
// deterministic stub, so the service can start and the WebSocket/interrupt
// machinery can be exercised without a live model subscription.
func buildModelProvider(ctx context.Context, cfg config.Config) (modelprovider.Client, error) {
	var base modelprovider.Client
	switch {
	case cfg.Model.Provider == "openai" && cfg.Model.APIKey != "":
		c, err := openai.NewFromAPIKey(cfg.Model.APIKey, openai.Options{DefaultModel: cfg.Model.Model})
		if err != nil {
			return nil, err
		}
		base = c
	case cfg.Model.Provider == "anthropic" && cfg.Model.APIKey != "":
		c, err := anthropic.NewFromAPIKey(cfg.Model.APIKey, anthropic.Options{DefaultModel: cfg.Model.Model})
		if err != nil {
			return nil, err
		}
		base = c
	case cfg.Model.Provider == "bedrock":
		c, err := buildBedrockProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		base = c
	default:
		base = stubProvider{}
	}

	limiter := middleware.NewAdaptiveRateLimiter(60000, 240000)
	limited := limiter.Middleware()(base)
	srv, err := gateway.NewServer(gateway.WithProvider("default", limited))
	if err != nil {
		return nil, err
	}
	return gatewayClient{srv: srv, agentType: "default"}, nil
}

// buildBedrockProvider resolves AWS credentials the default way (shared
// config/credentials files, environment, or instance/task role) scoped to
// cfg.Model.Region, and hands the resulting bedrockruntime client to the
// Converse-API adapter.
func buildBedrockProvider(ctx context.Context, cfg config.Config) (*bedrock.Client, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Model.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Model.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	runtime := bedrockruntime.NewFromConfig(awsCfg)
	return bedrock.New(runtime, bedrock.Options{DefaultModel: cfg.Model.Model})
}

// gatewayClient binds gateway.Server's agent-type-routed Complete/Stream
// methods to the single fixed agent type this deployment configures, so it
// satisfies the plain modelprovider.Client contract the agent runtimes
// (C3's in-process runtime and C5's instance runtime) are built against.
type gatewayClient struct {
	srv       *gateway.Server
	agentType string
}

func (c gatewayClient) Complete(ctx context.Context, req *modelprovider.Request) (*modelprovider.Response, error) {
	return c.srv.Complete(ctx, c.agentType, req)
}

// Stream is unused by either agent runtime in this deployment (both drive
// turns through Complete), so it is not worth bridging gateway.Server's
// callback-based Stream onto the pull-based Streamer interface.
func (c gatewayClient) Stream(context.Context, *modelprovider.Request) (modelprovider.Streamer, error) {
	return nil, modelprovider.ErrStreamingUnsupported
}

// stubProvider is the no-credentials-configured fallback: it always
// produces a short assistant reply and never proposes a tool call, enough
// to exercise the conversation transport end-to-end.
type stubProvider struct{}

func (stubProvider) Complete(_ context.Context, _ *modelprovider.Request) (*modelprovider.Response, error) {
	return &modelprovider.Response{
		Message:    model.Message{Role: model.RoleAssistant, Content: "no model provider configured"},
		StopReason: "end_turn",
	}, nil
}

func (stubProvider) Stream(context.Context, *modelprovider.Request) (modelprovider.Streamer, error) {
	return nil, modelprovider.ErrStreamingUnsupported
}

func buildEngine(cfg config.Config, logger telemetry.Logger, metrics telemetry.Metrics) (engine.Engine, func(), error) {
	if cfg.Temporal.HostPort == "" {
		return engineinmem.New(logger, metrics), func() {}, nil
	}
	eng, err := enginetemporal.New(enginetemporal.Options{
		ClientOptions: &temporalclient.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		},
		TaskQueue: cfg.Temporal.TaskQueue,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	worker := eng.Worker()
	worker.Start()
	return eng, worker.Stop, nil
}
