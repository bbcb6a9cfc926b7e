// Command runnerhub runs the Runner Hub: the WebSocket endpoint
// user-supplied sandbox runners dial into, and the cross-pod relay that
// lets a Dispatch landing on any pod reach whichever pod a runner is
// actually connected to. Flag parsing and shutdown sequencing mirror
// cmd/gateway, both grounded on example/cmd/assistant/main.go.
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
	"goa.design/clue/log"

	"github.com/chatcore/platform/platformapi"
	"github.com/chatcore/platform/runner"
)

func main() {
	var (
		httpAddrF  = flag.String("http-addr", ":8081", "HTTP listen address")
		redisAddrF = flag.String("redis-addr", "localhost:6379", "Redis address")
		jwtSecretF = flag.String("jwt-secret", "", "HMAC secret for verifying connecting runners' bearer tokens")
		dbgF       = flag.Bool("debug", false, "Log request and response bodies")
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

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddrF})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal(ctx, fmt.Errorf("connect redis: %w", err))
	}

	registry := runner.NewRegistry()
	dispatcher := runner.NewDispatcher(registry, rdb)
	hub := runner.NewHub(runner.Hub{
		Auth:       platformapi.NewJWTAuthenticator(*jwtSecretF),
		Registry:   registry,
		Dispatcher: dispatcher,
		Rdb:        rdb,
	})

	mux := http.NewServeMux()
	mux.Handle("/runner", hub)
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
