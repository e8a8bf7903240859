// Concurrent benchmark for semabroker.
//
// Each worker dials one persistent connection and runs acquire-wait/release
// rounds, so the benchmark measures handoff latency rather than TCP
// connection overhead. In "shared" mode every worker contends on a single
// name; in "spread" mode each worker uses its own.
//
// Usage:
//
//	go run ./cmd/bench [--mode shared] [--workers 10] [--rounds 50] [--name bench] \
//	    [--servers host1:port1,host2:port2] [--timeout 30s]
package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/mtingers/semabroker/client"
)

func main() {
	mode := pflag.String("mode", "shared", "benchmark mode: shared, spread")
	workers := pflag.Int("workers", 10, "number of concurrent workers")
	rounds := pflag.Int("rounds", 50, "acquire/release rounds per worker")
	name := pflag.String("name", "bench", "semaphore name prefix")
	timeout := pflag.Duration("timeout", 30*time.Second, "per-acquire wait limit")
	servers := pflag.String("servers", "127.0.0.1:12345", "comma-separated host:port pairs")
	pflag.Parse()

	addrs := strings.Split(*servers, ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}

	switch *mode {
	case "shared", "spread":
	default:
		fmt.Fprintf(os.Stderr, "unknown mode: %s (valid: shared, spread)\n", *mode)
		os.Exit(1)
	}

	fmt.Printf("bench: mode=%s, %d workers x %d rounds (name_prefix=%q)\n\n",
		*mode, *workers, *rounds, *name)

	type result struct {
		latencies []float64
		err       error
	}

	results := make([]result, *workers)
	var wg sync.WaitGroup

	wallStart := time.Now()

	for i := range *workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerName := *name
			if *mode == "spread" {
				workerName = fmt.Sprintf("%s_%d", *name, rand.IntN(9900000)+100000)
			}
			addr := addrs[id%len(addrs)]
			lats, err := worker(workerName, addr, *rounds, *timeout)
			results[id] = result{latencies: lats, err: err}
		}(i)
	}

	wg.Wait()
	wall := time.Since(wallStart).Seconds()

	var all []float64
	for i, r := range results {
		if r.err != nil {
			fmt.Fprintf(os.Stderr, "worker %d error: %v\n", i, r.err)
			os.Exit(1)
		}
		all = append(all, r.latencies...)
	}
	if len(all) == 0 {
		fmt.Println("  no operations completed")
		return
	}

	totalOps := len(all)
	sort.Float64s(all)

	mn := mean(all)
	p50 := percentile(all, 50)
	p90 := percentile(all, 90)
	p99 := percentile(all, 99)
	sd := stdev(all, mn)

	fmt.Printf("  total ops : %s\n", humanize.Comma(int64(totalOps)))
	fmt.Printf("  wall time : %.3fs\n", wall)
	fmt.Printf("  throughput: %s ops/s\n", humanize.CommafWithDigits(float64(totalOps)/wall, 1))
	fmt.Println()
	fmt.Printf("  mean      : %.3f ms\n", mn*1000)
	fmt.Printf("  min       : %.3f ms\n", all[0]*1000)
	fmt.Printf("  max       : %.3f ms\n", all[totalOps-1]*1000)
	fmt.Printf("  p50       : %.3f ms\n", p50*1000)
	fmt.Printf("  p90       : %.3f ms\n", p90*1000)
	fmt.Printf("  p99       : %.3f ms\n", p99*1000)
	fmt.Printf("  stdev     : %.3f ms\n", sd*1000)
}

// worker measures the time from acquire request to ownership, per round.
func worker(name, addr string, rounds int, timeout time.Duration) ([]float64, error) {
	c, err := client.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	latencies := make([]float64, 0, rounds)
	for range rounds {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		t0 := time.Now()
		err := c.AcquireWait(ctx, name)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("acquire: %w", err)
		}
		latencies = append(latencies, time.Since(t0).Seconds())
		if err := c.Release(name); err != nil {
			return nil, fmt.Errorf("release: %w", err)
		}
	}
	return latencies, nil
}

// ---------------------------------------------------------------------------
// Stats helpers
// ---------------------------------------------------------------------------

func mean(data []float64) float64 {
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func stdev(data []float64, mean float64) float64 {
	if len(data) < 2 {
		return 0
	}
	var sum float64
	for _, v := range data {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(data)-1))
}

func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := pct / 100.0 * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
