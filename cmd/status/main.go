// Command status reports a point-in-time snapshot of one or more queues: how
// many Worker processes and fibers are attached, throughput, and the size of
// each queue-state set, per spec.md §6's CLI surface contract.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/onyx-run/onyx-background/internal/datastore"
)

// fiberNamePattern matches a fiber connection's CLIENT LIST name, which
// embeds its owning worker's control-connection client id after the colon.
var fiberNamePattern = regexp.MustCompile(`^onyx-background-worker-fiber:(\d+)$`)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		queuesFlag = fs.String("q", "default", "comma-separated list of queue names")
		redisURL   = fs.String("r", "redis://127.0.0.1:6379", "redis connection url")
		namespace  = fs.String("n", "onyx-background", "key namespace")
		verbose    = fs.Bool("v", false, "also print the namespace and redis url")
	)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: status [-q queue[,queue...]] [-r redis-url] [-n namespace] [-v]\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	queues := strings.Split(*queuesFlag, ",")
	for i := range queues {
		queues[i] = strings.TrimSpace(queues[i])
	}

	store, err := datastore.New(*redisURL, *namespace)
	if err != nil {
		fmt.Fprintf(stderr, "status: failed to connect: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	workers, fibers, err := liveConnectionCounts(ctx, store)
	if err != nil {
		fmt.Fprintf(stderr, "status: failed to read client list: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "queue\tworkers\tfibers\tjps\tready\tscheduled\tprocessing\tcompleted\tfailed")

	for _, queue := range queues {
		row, err := queueRow(ctx, store, queue)
		if err != nil {
			fmt.Fprintf(stderr, "status: failed to read queue %q: %v\n", queue, err)
			return 1
		}
		row.workers = workers
		row.fibers = fibers

		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			queue, row.workers, row.fibers, row.jps, row.ready, row.scheduled, row.processing, row.completed, row.failed)
	}
	w.Flush()

	if *verbose {
		fmt.Fprintf(stdout, "\nnamespace=%s redis=%s\n", *namespace, *redisURL)
	}

	return 0
}

type queueStats struct {
	workers, fibers                                      int
	jps, ready, scheduled, processing, completed, failed int64
}

func queueRow(ctx context.Context, store *datastore.Store, queue string) (queueStats, error) {
	var row queueStats
	var err error

	if row.ready, err = store.LLen(ctx, store.ReadyKey(queue)); err != nil {
		return row, fmt.Errorf("ready: %w", err)
	}
	if row.scheduled, err = store.ZCard(ctx, store.ScheduledKey(queue)); err != nil {
		return row, fmt.Errorf("scheduled: %w", err)
	}
	if row.processing, err = store.SCard(ctx, store.ProcessingKey(queue)); err != nil {
		return row, fmt.Errorf("processing: %w", err)
	}
	if row.completed, err = store.ZCard(ctx, store.CompletedKey(queue)); err != nil {
		return row, fmt.Errorf("completed: %w", err)
	}
	if row.failed, err = store.ZCard(ctx, store.FailedKey(queue)); err != nil {
		return row, fmt.Errorf("failed: %w", err)
	}

	now := float64(time.Now().UnixMilli())
	if row.jps, err = store.ZCount(ctx, store.CompletedKey(queue), now-1000, now); err != nil {
		return row, fmt.Errorf("jps: %w", err)
	}

	return row, nil
}

// liveConnectionCounts scans CLIENT LIST for live fiber connections and
// returns the count of distinct owning Worker processes and total fibers
// across the whole namespace. CLIENT LIST carries no per-queue attribution,
// so every queue's row reports the same namespace-wide totals.
func liveConnectionCounts(ctx context.Context, store *datastore.Store) (workers, fibers int, err error) {
	raw, err := store.ListNormalClients(ctx)
	if err != nil {
		return 0, 0, err
	}

	workerIDs := make(map[string]bool)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var name string
		for _, field := range strings.Fields(line) {
			k, v, ok := strings.Cut(field, "=")
			if ok && k == "name" {
				name = v
			}
		}
		if m := fiberNamePattern.FindStringSubmatch(name); m != nil {
			workerIDs[m[1]] = true
			fibers++
		}
	}

	return len(workerIDs), fibers, nil
}
