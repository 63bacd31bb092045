package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mirkobrombin/go-clusterlock/v1/lock"
	"github.com/mirkobrombin/go-clusterlock/v1/presets"
	"github.com/mirkobrombin/go-clusterlock/v1/store"
)

var (
	nodes       = flag.Int("nodes", 4, "Number of lock services sharing the store")
	concurrency = flag.Int("c", 8, "Concurrent clients per node")
	requests    = flag.Int("n", 2000, "Total number of lock/unlock cycles")
	names       = flag.Int("names", 1, "Number of distinct lock names")
	interval    = flag.Duration("retry-interval", 50*time.Millisecond, "Acquisition round length")
	backend     = flag.String("backend", "memory", "memory or redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
	opsRate     = flag.Float64("rate", 0, "Cap on lock attempts per second across all clients (0 is unlimited)")
)

func newServices() ([]*lock.Service, error) {
	svcs := make([]*lock.Service, 0, *nodes)
	shared := store.NewInMemory(nil)
	for i := 0; i < *nodes; i++ {
		var (
			svc *lock.Service
			err error
		)
		opts := []lock.Option{lock.WithRetryInterval(*interval), lock.WithNamespace("bench")}
		switch *backend {
		case "memory":
			svc, err = lock.New(shared, opts...)
		case "redis":
			svc, err = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}, opts...)
		default:
			err = fmt.Errorf("unknown backend %q", *backend)
		}
		if err != nil {
			return nil, err
		}
		svcs = append(svcs, svc)
	}
	return svcs, nil
}

func main() {
	flag.Parse()

	log.Printf("Starting lock benchmark: %d cycles, %d nodes x %d clients, %d names (%s)", *requests, *nodes, *concurrency, *names, *backend)

	svcs, err := newServices()
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer func() {
		for _, s := range svcs {
			_ = s.Close()
		}
	}()

	var (
		ops       atomic.Int64
		violation atomic.Int64
		mu        sync.Mutex
		latencies []time.Duration
	)
	holders := make([]atomic.Int32, *names)
	workers := *nodes * *concurrency
	perWorker := *requests / workers

	limiter := rate.NewLimiter(rate.Inf, 0)
	if *opsRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(*opsRate), 1)
	}

	g, ctx := errgroup.WithContext(context.Background())
	start := time.Now()
	for w := 0; w < workers; w++ {
		svc := svcs[w%len(svcs)]
		g.Go(func() error {
			local := make([]time.Duration, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				idx := (w + j) % *names
				name := fmt.Sprintf("bench-%d", idx)
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				t0 := time.Now()
				if err := svc.Lock(ctx, name); err != nil {
					return err
				}
				local = append(local, time.Since(t0))
				if holders[idx].Add(1) != 1 {
					violation.Add(1)
				}
				holders[idx].Add(-1)
				if err := svc.Unlock(ctx, name); err != nil {
					return err
				}
				ops.Add(1)
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pct := func(p float64) time.Duration {
		if len(latencies) == 0 {
			return 0
		}
		return latencies[int(float64(len(latencies)-1)*p)]
	}

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f cycles/s", float64(ops.Load())/elapsed.Seconds())
	log.Printf("Acquire latency p50=%v p99=%v max=%v", pct(0.50), pct(0.99), pct(1))
	if v := violation.Load(); v > 0 {
		log.Fatalf("Mutual exclusion violated %d times", v)
	}
}
