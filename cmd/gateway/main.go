// Command gateway runs the Chat Gateway: the WebSocket front door
// browsers dial into. Flag parsing, clue/log context setup, and the
// signal-driven shutdown sequence are grounded on
// example/cmd/assistant/main.go's handleHTTPServer pattern, generalized
// past its goa-codegen endpoints since this service has no generator
// pipeline to produce them.
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

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/chatcore/platform/bus"
	"github.com/chatcore/platform/engine/temporal"
	"github.com/chatcore/platform/gateway"
	"github.com/chatcore/platform/interrupt"
	"github.com/chatcore/platform/platformapi"
	"github.com/chatcore/platform/presence"
	"github.com/chatcore/platform/settlement"
	settlementmongo "github.com/chatcore/platform/settlement/mongo"
	turnmongo "github.com/chatcore/platform/turn/mongo"
	walletmongo "github.com/chatcore/platform/wallet/mongo"
	"github.com/chatcore/platform/worker"
)

func main() {
	var (
		httpAddrF    = flag.String("http-addr", ":8080", "HTTP listen address")
		mongoURIF    = flag.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
		mongoDBF     = flag.String("mongo-db", "chatcore", "MongoDB database name")
		redisAddrF   = flag.String("redis-addr", "localhost:6379", "Redis address")
		temporalAddrF = flag.String("temporal-addr", "localhost:7233", "Temporal frontend address")
		temporalNSF  = flag.String("temporal-namespace", "default", "Temporal namespace")
		jwtSecretF   = flag.String("jwt-secret", "", "HMAC secret for verifying connecting clients' bearer tokens")
		dbgF         = flag.Bool("debug", false, "Log request and response bodies")
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
	if *jwtSecretF == "" {
		log.Fatal(ctx, fmt.Errorf("-jwt-secret is required"))
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
	platformStore, err := platformapi.New(ctx, platformapi.Options{Client: mongoClient, Database: *mongoDBF})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("init session/message store: %w", err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddrF})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal(ctx, fmt.Errorf("connect redis: %w", err))
	}

	eng, err := temporal.New(temporal.Options{
		ClientOptions: &client.Options{HostPort: *temporalAddrF, Namespace: *temporalNSF},
		WorkerOptions: temporal.WorkerOptions{TaskQueue: worker.TaskQueue},
		// The gateway never runs a worker of its own: it only starts and
		// signals workflows that cmd/worker executes.
		DisableWorkerAutoStart: true,
	})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("init temporal engine: %w", err))
	}
	defer eng.Close()

	settler := &settlement.Settler{
		Records:      settlementStore,
		Wallets:      walletStore,
		WelcomeBonus: 5.0,
	}

	auth := platformapi.NewJWTAuthenticator(*jwtSecretF)
	dispatcher := &worker.Dispatcher{Engine: eng, Turns: turnStore, Queue: worker.TaskQueue}

	handler := gateway.NewHandler(gateway.Handler{
		Auth:       auth,
		Sessions:   platformStore,
		Messages:   platformStore,
		Lifecycle:  gateway.NoopLifecycle{},
		Balance:    settler,
		Dispatcher: dispatcher,
		Bus:        bus.NewRedisBus(rdb),
		Presence:   presence.New(rdb),
		Interrupt:  interrupt.NewState(rdb),
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := &http.Server{Addr: *httpAddrF, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Print(ctx, log.KV{K: "http-addr", V: *httpAddrF})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
	log.Printf(ctx, "exited")
}
