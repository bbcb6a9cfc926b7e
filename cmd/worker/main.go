// Command worker runs the Chat Worker: the Temporal-hosted workflow and
// activity set that actually executes a turn, plus the scheduled-task
// poll loop that fires synthetic turns on a timer. Flag parsing and
// shutdown sequencing mirror cmd/gateway, both grounded on
// example/cmd/assistant/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/google/uuid"

	"github.com/chatcore/platform/agentgraph"
	"github.com/chatcore/platform/bus"
	"github.com/chatcore/platform/developerreward"
	developerrewardmongo "github.com/chatcore/platform/developerreward/mongo"
	"github.com/chatcore/platform/engine/temporal"
	"github.com/chatcore/platform/interrupt"
	"github.com/chatcore/platform/presence"
	"github.com/chatcore/platform/pricing"
	"github.com/chatcore/platform/scheduler"
	schedulermongo "github.com/chatcore/platform/scheduler/mongo"
	"github.com/chatcore/platform/settlement"
	settlementmongo "github.com/chatcore/platform/settlement/mongo"
	turnmongo "github.com/chatcore/platform/turn/mongo"
	walletmongo "github.com/chatcore/platform/wallet/mongo"
	"github.com/chatcore/platform/worker"
)

func main() {
	var (
		mongoURIF     = flag.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
		mongoDBF      = flag.String("mongo-db", "chatcore", "MongoDB database name")
		redisAddrF    = flag.String("redis-addr", "localhost:6379", "Redis address")
		temporalAddrF = flag.String("temporal-addr", "localhost:7233", "Temporal frontend address")
		temporalNSF   = flag.String("temporal-namespace", "default", "Temporal namespace")
		anthropicKeyF = flag.String("anthropic-api-key", "", "Anthropic API key the agent graph calls with")
		modelF        = flag.String("model", "claude-sonnet-4-5", "Default model the agent graph calls")
		dbgF          = flag.Bool("debug", false, "Log request and response bodies")
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
	if *anthropicKeyF == "" {
		log.Fatal(ctx, fmt.Errorf("-anthropic-api-key is required"))
	}

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(*mongoURIF))
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("connect mongo: %w", err))
	}

	turnStore, err := turnmongo.New(ctx, turnmongo.Options{Client: mongoClient, Database: *mongoDBF})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("init turn store: %w", err))
	}
	settlementStore, err := settlementmongo.New(ctx, settlementmongo.Options{Client: mongoClient, Database: *mongoDBF})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("init settlement store: %w", err))
	}
	walletStore, err := walletmongo.New(ctx, walletmongo.Options{Client: mongoClient, Database: *mongoDBF})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("init wallet store: %w", err))
	}
	rewardStore, err := developerrewardmongo.New(ctx, developerrewardmongo.Options{Client: mongoClient, Database: *mongoDBF})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("init developer reward store: %w", err))
	}
	scheduleStore, err := schedulermongo.New(ctx, schedulermongo.Options{Client: mongoClient, Database: *mongoDBF})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("init scheduler store: %w", err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddrF})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal(ctx, fmt.Errorf("connect redis: %w", err))
	}

	eng, err := temporal.New(temporal.Options{
		ClientOptions: &client.Options{HostPort: *temporalAddrF, Namespace: *temporalNSF},
		WorkerOptions: temporal.WorkerOptions{TaskQueue: worker.TaskQueue},
	})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("init temporal engine: %w", err))
	}
	defer eng.Close()

	if err := worker.RegisterWorkflow(ctx, eng, worker.TaskQueue); err != nil {
		log.Fatal(ctx, fmt.Errorf("register workflow: %w", err))
	}

	anthropicClient := sdk.NewClient(option.WithAPIKey(*anthropicKeyF))
	graphRunner := agentgraph.NewRunner(&anthropicClient.Messages, *modelF, 4096)

	activities := &worker.Activities{
		Turns: turnStore,
		Settler: &settlement.Settler{
			Records:      settlementStore,
			Wallets:      walletStore,
			Rewards:      &developerreward.Processor{Store: rewardStore, SharePercent: 0.2},
			WelcomeBonus: 5.0,
		},
		Bus:       bus.NewRedisBus(rdb),
		Presence:  presence.New(rdb),
		Interrupt: interrupt.NewState(rdb),
		Graph:     graphRunner,
		Engine:    eng,
		Pricing:   pricing.NewCachingOracle(pricing.NewStaticOracle(nil), rdb, nil),
	}
	if err := worker.RegisterActivities(ctx, eng, activities, worker.TaskQueue); err != nil {
		log.Fatal(ctx, fmt.Errorf("register activities: %w", err))
	}
	if err := eng.Worker().Start(); err != nil {
		log.Fatal(ctx, fmt.Errorf("start temporal worker: %w", err))
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	schedCtx, cancelSched := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher := &scheduler.Dispatcher{
			Store: scheduleStore,
			Turns: worker.SchedulerDispatcher{Dispatcher: &worker.Dispatcher{Engine: eng, Turns: turnStore, Queue: worker.TaskQueue}},
			NewID: uuid.NewString,
		}
		dispatcher.Run(schedCtx)
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	cancelSched()
	eng.Worker().Stop()
	wg.Wait()
	log.Printf(ctx, "exited")
}
