// upsbench drives a throughput/latency micro-benchmark against a
// pkg/storage Environment, generalizing the teacher pack's
// cmd/benchmark pattern to the KV engine instead of a document store.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/upscaledb-go/ups/pkg/storage"
)

func main() {
	workload := flag.String("workload", "balanced", "write-heavy, read-heavy, balanced, or write-only")
	duration := flag.Duration("duration", 10*time.Second, "how long to run each workload")
	concurrency := flag.Int("concurrency", 8, "number of concurrent workers")
	numKeys := flag.Int("keys", 100000, "size of the key space workers sample from")
	inMemory := flag.Bool("in-memory", true, "use a UPS_IN_MEMORY environment instead of a file")
	flag.Parse()

	fmt.Println("upscaledb-go benchmark")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("workload: %s  duration: %v  concurrency: %d  keys: %d\n\n",
		*workload, *duration, *concurrency, *numKeys)

	env, db, cleanup := openEnv(*inMemory)
	defer cleanup()

	seedKeys(db, *numKeys)

	readRatio := readRatioFor(*workload)
	result := run(env, db, *duration, *concurrency, *numKeys, readRatio)
	result.print()
}

func readRatioFor(workload string) float64 {
	switch workload {
	case "write-heavy":
		return 0.2
	case "read-heavy":
		return 0.9
	case "write-only":
		return 0.0
	default:
		return 0.5
	}
}

func openEnv(inMemory bool) (*storage.Environment, *storage.Database, func()) {
	if inMemory {
		env, err := storage.OpenInMemoryEnvironment()
		if err != nil {
			fmt.Printf("failed to open in-memory environment: %v\n", err)
			os.Exit(1)
		}
		db, err := env.CreateDatabase(1, storage.KeyTypeBinaryVariable)
		if err != nil {
			fmt.Printf("failed to create database: %v\n", err)
			os.Exit(1)
		}
		return env, db, func() { env.Close() }
	}

	path := "upsbench.env"
	env, err := storage.CreateEnvironment(path)
	if err != nil {
		fmt.Printf("failed to create environment: %v\n", err)
		os.Exit(1)
	}
	db, err := env.CreateDatabase(1, storage.KeyTypeBinaryVariable)
	if err != nil {
		fmt.Printf("failed to create database: %v\n", err)
		os.Exit(1)
	}
	return env, db, func() {
		env.Close()
		os.Remove(path)
		os.Remove(path + ".jrn0")
		os.Remove(path + ".jrn1")
	}
}

func seedKeys(db *storage.Database, numKeys int) {
	fmt.Printf("seeding %d keys...\n", numKeys)
	for i := 0; i < numKeys; i++ {
		key := []byte(fmt.Sprintf("key%010d", i))
		val := []byte(fmt.Sprintf("value%010d", i))
		if err := db.Insert(key, val); err != nil {
			fmt.Printf("seed insert failed: %v\n", err)
			os.Exit(1)
		}
	}
}

type latencySample struct {
	isWrite bool
	elapsed time.Duration
}

type result struct {
	duration time.Duration
	samples  []latencySample
}

func run(env *storage.Environment, db *storage.Database, duration time.Duration, concurrency, numKeys int, readRatio float64) *result {
	var mu sync.Mutex
	var samples []latencySample
	var wg sync.WaitGroup

	stop := time.Now().Add(duration)
	start := time.Now()

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			local := make([]latencySample, 0, 1024)

			for time.Now().Before(stop) {
				idx := rng.Intn(numKeys)
				key := []byte(fmt.Sprintf("key%010d", idx))

				opStart := time.Now()
				if rng.Float64() < readRatio {
					db.Get(key)
					local = append(local, latencySample{isWrite: false, elapsed: time.Since(opStart)})
				} else {
					val := []byte(fmt.Sprintf("value%010d-%d", idx, rng.Int63()))
					db.Overwrite(key, val)
					local = append(local, latencySample{isWrite: true, elapsed: time.Since(opStart)})
				}
			}

			mu.Lock()
			samples = append(samples, local...)
			mu.Unlock()
		}(int64(w) + 1)
	}

	wg.Wait()
	return &result{duration: time.Since(start), samples: samples}
}

func (r *result) print() {
	var writes, reads []time.Duration
	for _, s := range r.samples {
		if s.isWrite {
			writes = append(writes, s.elapsed)
		} else {
			reads = append(reads, s.elapsed)
		}
	}

	total := len(r.samples)
	opsPerSec := float64(total) / r.duration.Seconds()

	fmt.Printf("\n--- results ---\n")
	fmt.Printf("total ops: %d (writes: %d, reads: %d)\n", total, len(writes), len(reads))
	fmt.Printf("throughput: %.0f ops/sec\n", opsPerSec)
	printPercentiles("write", writes)
	printPercentiles("read", reads)
}

func printPercentiles(label string, samples []time.Duration) {
	if len(samples) == 0 {
		return
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	p := func(pct float64) time.Duration {
		idx := int(float64(len(samples)-1) * pct)
		return samples[idx]
	}
	fmt.Printf("\n%s latency:\n", label)
	fmt.Printf("  p50: %8s  p95: %8s  p99: %8s  max: %8s\n", p(0.50), p(0.95), p(0.99), samples[len(samples)-1])
}
