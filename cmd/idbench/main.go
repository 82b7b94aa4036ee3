package main

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/d60-Lab/im-server/config"
	"github.com/d60-Lab/im-server/pkg/snowflake"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 {
			return v
		}
	}
	return def
}

func main() {
	cfg := must(config.Load())
	g := must(snowflake.New(cfg.Snowflake.DatacenterID, cfg.Snowflake.MachineID))

	WORKERS := envInt("WORKERS", 16)
	PER_WORKER := envInt("PER_WORKER", 100000)
	SAMPLE := envInt("SAMPLE", 100) // 每 SAMPLE 次调用采样一次耗时

	results := make([][]uint64, WORKERS)
	samples := make([][]time.Duration, WORKERS)
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < WORKERS; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids := make([]uint64, 0, PER_WORKER)
			lat := make([]time.Duration, 0, PER_WORKER/SAMPLE+1)
			for i := 0; i < PER_WORKER; i++ {
				if i%SAMPLE == 0 {
					st := time.Now()
					ids = append(ids, g.NextID())
					lat = append(lat, time.Since(st))
					continue
				}
				ids = append(ids, g.NextID())
			}
			results[w] = ids
			samples[w] = lat
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := WORKERS * PER_WORKER
	seen := make(map[uint64]struct{}, total)
	dups, disorder := 0, 0
	var all []time.Duration
	for w, ids := range results {
		for i, id := range ids {
			if _, ok := seen[id]; ok {
				dups++
			}
			seen[id] = struct{}{}
			if i > 0 && id <= ids[i-1] {
				disorder++
			}
		}
		all = append(all, samples[w]...)
	}

	fmt.Printf("WORKERS=%d PER_WORKER=%d datacenter=%d machine=%d\n", WORKERS, PER_WORKER, cfg.Snowflake.DatacenterID, cfg.Snowflake.MachineID)
	fmt.Printf("Generated %d ids in %v (%.0f ids/s)\n", total, elapsed, float64(total)/elapsed.Seconds())
	fmt.Printf("Duplicates=%d non-increasing-per-worker=%d\n", dups, disorder)
	fmt.Printf("NextID latency (sampled %d): p50=%v p99=%v p999=%v\n", len(all), pct(all, 0.50), pct(all, 0.99), pct(all, 0.999))
	if dups > 0 || disorder > 0 {
		os.Exit(1)
	}
}
