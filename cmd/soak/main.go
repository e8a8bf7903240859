// Long-running soak test for semabroker.
//
// Exercises contended handoff, FIFO promotion, disconnect cleanup and
// abandoned waiters in a loop, checking for correctness after each round and
// querying /stats to detect leaked ownership. Runs until interrupted.
//
// Usage:
//
//	go run ./cmd/soak [--server 127.0.0.1:12345] [--stats http://127.0.0.1:9090/stats] \
//	    [--workers 4] [--rounds-per-cycle 20]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mtingers/semabroker/client"
	"github.com/mtingers/semabroker/internal/semaphore"
)

var log = slog.New(slog.NewTextHandler(os.Stderr, nil))

func main() {
	addr := pflag.String("server", "127.0.0.1:12345", "semabroker server address")
	statsURL := pflag.String("stats", "", "URL of the broker's /stats endpoint (empty skips the leak check)")
	workers := pflag.Int("workers", 4, "concurrent clients per scenario")
	roundsPerCycle := pflag.Int("rounds-per-cycle", 20, "operations per worker per cycle")
	pflag.Parse()

	log.Info("soak: starting", "server", *addr, "workers", *workers, "rounds_per_cycle", *roundsPerCycle)
	log.Info("soak: press Ctrl-C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cycle int
	for ctx.Err() == nil {
		cycle++
		t0 := time.Now()

		// Each cycle uses a unique prefix to avoid collisions.
		prefix := fmt.Sprintf("soak_%d_%d", cycle, rand.IntN(999999))

		runTest("exclusive", func() error {
			return testExclusive(*addr, prefix, *workers, *roundsPerCycle)
		})
		runTest("fifo", func() error {
			return testFIFO(*addr, prefix, *workers)
		})
		runTest("disconnect-owner", func() error {
			return testDisconnectOwner(*addr, prefix, *roundsPerCycle)
		})
		runTest("disconnect-queued", func() error {
			return testDisconnectQueued(*addr, prefix, *workers)
		})
		runTest("abandoned-waiters", func() error {
			return testAbandonedWaiters(*addr, prefix, *workers, *roundsPerCycle)
		})
		if *statsURL != "" {
			runTest("stats-check", func() error {
				return checkStats(*statsURL, prefix)
			})
		}

		log.Info("cycle complete", "cycle", cycle, "elapsed", time.Since(t0).Round(time.Millisecond))
	}
	log.Info("soak: stopped", "cycles", cycle)
}

func runTest(name string, fn func() error) {
	if err := fn(); err != nil {
		log.Error("FAIL", "test", name, "err", err)
		os.Exit(1)
	}
}

func waitCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func recvGrant(c *client.Conn, name string) error {
	select {
	case got, ok := <-c.Grants():
		if !ok {
			return client.ErrClosed
		}
		if got != name {
			return fmt.Errorf("grant for %q, want %q", got, name)
		}
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("no grant for %q", name)
	}
}

// ---------------------------------------------------------------------------
// Exclusive: N clients contend on one name; never two inside
// ---------------------------------------------------------------------------

func testExclusive(addr, prefix string, workers, rounds int) error {
	name := prefix + "_excl"
	var inside atomic.Int32
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for w := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := client.Dial(addr)
			if err != nil {
				errs[id] = fmt.Errorf("dial: %w", err)
				return
			}
			defer c.Close()

			for r := range rounds {
				ctx, cancel := waitCtx()
				err := c.AcquireWait(ctx, name)
				cancel()
				if err != nil {
					errs[id] = fmt.Errorf("acquire round %d: %w", r, err)
					return
				}
				if n := inside.Add(1); n != 1 {
					errs[id] = fmt.Errorf("round %d: %d holders inside", r, n)
					return
				}
				// Hold briefly to create contention.
				time.Sleep(time.Duration(rand.IntN(2)) * time.Millisecond)
				inside.Add(-1)
				if err := c.Release(name); err != nil {
					errs[id] = fmt.Errorf("release round %d: %w", r, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// FIFO: waiters are promoted in arrival order
// ---------------------------------------------------------------------------

func testFIFO(addr, prefix string, workers int) error {
	name := prefix + "_fifo"
	owner, err := client.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer owner.Close()
	if res, err := owner.Acquire(name); err != nil || res != client.Acquired {
		return fmt.Errorf("owner acquire: %v %v", res, err)
	}

	waiters := make([]*client.Conn, workers)
	for i := range waiters {
		c, err := client.Dial(addr)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		defer c.Close()
		if res, err := c.Acquire(name); err != nil || res != client.Queued {
			return fmt.Errorf("waiter %d acquire: %v %v", i, res, err)
		}
		waiters[i] = c
	}

	if err := owner.Release(name); err != nil {
		return fmt.Errorf("owner release: %w", err)
	}
	for i, c := range waiters {
		if err := recvGrant(c, name); err != nil {
			return fmt.Errorf("waiter %d: %w", i, err)
		}
		if err := c.Release(name); err != nil {
			return fmt.Errorf("waiter %d release: %w", i, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Disconnect while owning: the head waiter is promoted
// ---------------------------------------------------------------------------

func testDisconnectOwner(addr, prefix string, rounds int) error {
	name := prefix + "_dcown"
	waiter, err := client.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer waiter.Close()

	for r := range rounds {
		owner, err := client.Dial(addr)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		if res, err := owner.Acquire(name); err != nil || res != client.Acquired {
			owner.Close()
			return fmt.Errorf("round %d owner acquire: %v %v", r, res, err)
		}
		if res, err := waiter.Acquire(name); err != nil || res != client.Queued {
			owner.Close()
			return fmt.Errorf("round %d waiter acquire: %v %v", r, res, err)
		}
		owner.Close()
		if err := recvGrant(waiter, name); err != nil {
			return fmt.Errorf("round %d: %w", r, err)
		}
		if err := waiter.Release(name); err != nil {
			return fmt.Errorf("round %d release: %w", r, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Disconnect while queued: the rest of the queue keeps its order
// ---------------------------------------------------------------------------

func testDisconnectQueued(addr, prefix string, workers int) error {
	name := prefix + "_dcq"
	if workers < 3 {
		workers = 3
	}
	owner, err := client.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer owner.Close()
	if _, err := owner.Acquire(name); err != nil {
		return err
	}

	conns := make([]*client.Conn, workers)
	for i := range conns {
		c, err := client.Dial(addr)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		defer c.Close()
		if _, err := c.Acquire(name); err != nil {
			return fmt.Errorf("waiter %d acquire: %w", i, err)
		}
		conns[i] = c
	}

	// Drop every other waiter.
	var survivors []*client.Conn
	for i, c := range conns {
		if i%2 == 1 {
			c.Close()
			continue
		}
		survivors = append(survivors, c)
	}

	if err := owner.Release(name); err != nil {
		return err
	}
	for i, c := range survivors {
		if err := recvGrant(c, name); err != nil {
			return fmt.Errorf("survivor %d: %w", i, err)
		}
		if err := c.Release(name); err != nil {
			return fmt.Errorf("survivor %d release: %w", i, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Abandoned waiters: clients queue then vanish while others hand off
// ---------------------------------------------------------------------------

func testAbandonedWaiters(addr, prefix string, workers, rounds int) error {
	name := prefix + "_abandon"
	var wg sync.WaitGroup
	errs := make([]error, workers*2)

	for w := range workers {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			for range rounds {
				c, err := client.Dial(addr)
				if err != nil {
					errs[id] = fmt.Errorf("dial: %w", err)
					return
				}
				c.Acquire(name)
				time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
				c.Close()
			}
		}(w)
		go func(id int) {
			defer wg.Done()
			c, err := client.Dial(addr)
			if err != nil {
				errs[id] = fmt.Errorf("dial: %w", err)
				return
			}
			defer c.Close()
			for r := range rounds {
				ctx, cancel := waitCtx()
				err := c.AcquireWait(ctx, name)
				cancel()
				if err != nil {
					errs[id] = fmt.Errorf("acquire round %d: %w", r, err)
					return
				}
				if err := c.Release(name); err != nil {
					errs[id] = fmt.Errorf("release round %d: %w", r, err)
					return
				}
			}
		}(workers + w)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Stats check: nothing from this cycle is still held
// ---------------------------------------------------------------------------

func checkStats(url, prefix string) error {
	httpClient := &http.Client{Timeout: 5 * time.Second}

	// Disconnect cleanup is asynchronous; give it a moment.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := httpClient.Get(url)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		var stats semaphore.Stats
		err = json.NewDecoder(resp.Body).Decode(&stats)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("stats JSON: %w", err)
		}

		var leaked []string
		for _, h := range stats.Held {
			if strings.HasPrefix(h.Name, prefix) {
				leaked = append(leaked, fmt.Sprintf("%s(owner=%d waiters=%d)", h.Name, h.OwnerConnID, h.Waiters))
			}
		}
		if len(leaked) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("leaked semaphores: %s", strings.Join(leaked, ", "))
		}
		time.Sleep(50 * time.Millisecond)
	}
}
