package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"hybridindex/pkg/common"
	"hybridindex/pkg/config"
	"hybridindex/pkg/core"
	"hybridindex/pkg/storage"
)

func main() {
	logger := logrus.New()

	app := &cli.App{
		Name:  "hybrid-benchmark",
		Usage: "run a mixed insert/lookup workload against the hybrid index",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "yaml config path"},
			&cli.IntFlag{Name: "n", Value: 1_000_000, Usage: "records to build the index from"},
			&cli.IntFlag{Name: "ops", Value: 2_000_000, Usage: "operations in the mixed workload"},
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Value: 4, Usage: "parallel workers"},
			&cli.Float64Flag{Name: "insert-ratio", Value: 0.5, Usage: "fraction of operations that insert"},
			&cli.Float64Flag{Name: "range-ratio", Value: 0, Usage: "fraction of operations that run a range query"},
			&cli.StringFlag{Name: "dataset", Usage: "sqlite dataset to build from instead of generated keys"},
			&cli.BoolFlag{Name: "save", Usage: "write the generated keys to --dataset before running"},
			&cli.Int64Flag{Name: "seed", Value: 42},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logger.SetLevel(logrus.DebugLevel)
			}
			return run(c, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.WithError(err).Fatal("benchmark failed")
	}
}

// generate returns n records with even keys, so odd keys are free for inserts.
func generate(n int, rng *rand.Rand) []common.Record {
	recs := make([]common.Record, n)
	key := common.KeyType(0)
	for i := range recs {
		key += common.KeyType(2 * (rng.Intn(8) + 1))
		recs[i] = common.Record{Key: key, Value: common.ValueType(i)}
	}
	return recs
}

// keySpan returns the bound for random insert and range keys: the largest
// dataset key clamped to [1, MaxInt64], so rand.Int63n never panics.
func keySpan(data []common.Record) int64 {
	var hi common.KeyType
	for _, r := range data {
		if r.Key > hi {
			hi = r.Key
		}
	}
	switch {
	case hi > math.MaxInt64:
		return math.MaxInt64
	case hi == 0:
		return 1
	}
	return int64(hi)
}

func loadData(c *cli.Context, logger logrus.FieldLogger) ([]common.Record, error) {
	path := c.String("dataset")
	rng := rand.New(rand.NewSource(c.Int64("seed")))
	if path == "" {
		return generate(c.Int("n"), rng), nil
	}

	ds, err := storage.NewSQLiteBackend(path, logger)
	if err != nil {
		return nil, err
	}
	defer ds.Close()

	if c.Bool("save") {
		recs := generate(c.Int("n"), rng)
		if err := ds.Truncate(); err != nil {
			return nil, err
		}
		if err := ds.BatchWrite(recs); err != nil {
			return nil, err
		}
		return recs, nil
	}
	return ds.LoadAll()
}

func run(c *cli.Context, logger *logrus.Logger) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	data, err := loadData(c, logger)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("empty dataset")
	}

	workers := c.Int("workers")
	idx, err := core.NewHybridIndex(cfg, core.WithLogger(logger))
	if err != nil {
		return err
	}
	defer idx.Close()

	if !idx.Applicable(true, c.Float64("range-ratio") > 0, c.Float64("insert-ratio") > 0, workers > 1) {
		return fmt.Errorf("%s %v is not applicable with %d workers", idx.Name(), idx.Variants(), workers)
	}

	buildTime, err := idx.Build(data, workers)
	if err != nil {
		return err
	}
	fmt.Printf("%s %v\n", idx.Name(), idx.Variants())
	fmt.Printf("build: %d records in %v (%d bytes)\n", len(data), buildTime, idx.Size())

	ops := c.Int("ops")
	insertRatio := c.Float64("insert-ratio")
	rangeRatio := c.Float64("range-ratio")
	maxKey := keySpan(data)

	var found, inserted, ranged atomic.Uint64
	g, _ := errgroup.WithContext(c.Context)
	start := time.Now()
	for w := 0; w < workers; w++ {
		workerID := uint32(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(c.Int64("seed") + int64(workerID) + 1))
			for i := 0; i < ops/workers; i++ {
				p := rng.Float64()
				switch {
				case p < insertRatio:
					key := common.KeyType(rng.Int63n(maxKey)) | 1
					idx.Insert(common.Record{Key: key, Value: common.ValueType(i)}, workerID)
					inserted.Add(1)
				case p < insertRatio+rangeRatio:
					low := common.KeyType(rng.Int63n(maxKey))
					idx.RangeQuery(low, low+1000, workerID)
					ranged.Add(1)
				default:
					key := data[rng.Intn(len(data))].Key
					if idx.EqualityLookup(key, workerID) != common.NotFound {
						found.Add(1)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	ctx, cancel := context.WithTimeout(c.Context, time.Minute)
	defer cancel()
	if err := idx.WaitIdle(ctx); err != nil {
		return err
	}

	stats := idx.Stats()
	fmt.Printf("workload: %d ops in %v (%.0f ops/s) with %d workers\n",
		ops, elapsed, float64(ops)/elapsed.Seconds(), workers)
	fmt.Printf("  inserts=%d lookups_found=%d range_queries=%d\n", inserted.Load(), found.Load(), ranged.Load())
	fmt.Printf("  flushes=%d cancelled=%d stable=%d buffered=%d size=%d bytes\n",
		stats.Flushes, stats.CancelledFlushes, stats.StableRecords, stats.ActiveBuffered, idx.Size())
	return nil
}
