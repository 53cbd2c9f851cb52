package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kass/store-locator/pkg/config"
	"github.com/kass/store-locator/pkg/locator"
	"github.com/kass/store-locator/pkg/models"
	"github.com/kass/store-locator/pkg/rtree"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type BenchmarkResult struct {
	QueryType     string
	TotalQueries  int
	Errors        int64
	TotalDuration time.Duration
	AvgDuration   time.Duration
	QueriesPerSec float64
	MinDuration   time.Duration
	MaxDuration   time.Duration
	TotalResults  int64
	AvgResults    float64
}

var (
	benchType    string
	benchQueries int
	benchWorkers int
	benchLimit   int
	benchRadius  float64
	benchBoxSize float64
	benchQPS     float64
	benchBound   bounds
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark queries against the configured source",
	Long: `Run random queries with a pool of workers and print throughput.
nearest works with every source; radius and box need the in-memory index.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().StringVarP(&benchType, "type", "t", "nearest", "Query type: nearest, radius, box")
	benchCmd.Flags().IntVarP(&benchQueries, "queries", "q", 1000, "Number of queries to run")
	benchCmd.Flags().IntVarP(&benchWorkers, "workers", "w", runtime.NumCPU(), "Number of concurrent workers")
	benchCmd.Flags().IntVarP(&benchLimit, "limit", "n", 0, "Stores per nearest query (0 uses locator.limit)")
	benchCmd.Flags().Float64Var(&benchRadius, "radius", 50.0, "Radius in km (radius queries)")
	benchCmd.Flags().Float64Var(&benchBoxSize, "box-size", 1.0, "Box size in degrees (box queries)")
	benchCmd.Flags().Float64Var(&benchQPS, "qps", 0, "Cap the query rate (0 is unlimited)")
	addBoundsFlags(benchCmd, &benchBound)
}

// queryFunc runs one random query and returns the number of results
type queryFunc func(ctx context.Context, r *rand.Rand) (int, error)

func runBench(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	var query queryFunc
	switch benchType {
	case "nearest":
		service := locator.NewService(b.source, cfg.Locator.Limit, log)
		query = func(ctx context.Context, r *rand.Rand) (int, error) {
			center := randomLocation(r, benchBound)
			results, err := service.Nearest(ctx, center.Lat, center.Lon, benchLimit)
			return len(results), err
		}
	case "radius", "box":
		index, ok := b.source.(*rtree.GeoIndex)
		if !ok {
			return fmt.Errorf("%s queries need source.kind %s", benchType, config.SourceMemory)
		}
		query = indexQuery(index, benchType)
	default:
		return fmt.Errorf("unknown query type: %s", benchType)
	}

	log.Info("running benchmark",
		zap.String("type", benchType),
		zap.Int("queries", benchQueries),
		zap.Int("workers", benchWorkers),
		zap.Float64("qps", benchQPS),
	)

	var limiter *rate.Limiter
	if benchQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(benchQPS), 1)
	}

	result := runQueries(ctx, benchType, benchQueries, benchWorkers, limiter, query)
	printResult(cmd.OutOrStdout(), result, benchWorkers)
	return nil
}

func indexQuery(index *rtree.GeoIndex, queryType string) queryFunc {
	if queryType == "radius" {
		return func(_ context.Context, r *rand.Rand) (int, error) {
			results, err := index.QueryRadius(randomLocation(r, benchBound), benchRadius)
			return len(results), err
		}
	}
	return func(_ context.Context, r *rand.Rand) (int, error) {
		bl := randomLocation(r, bounds{
			minLat: benchBound.minLat,
			maxLat: benchBound.maxLat - benchBoxSize,
			minLon: benchBound.minLon,
			maxLon: benchBound.maxLon - benchBoxSize,
		})
		results, err := index.QueryBox(models.BoundingBox{
			BottomLeft: bl,
			TopRight:   models.Location{Lat: bl.Lat + benchBoxSize, Lon: bl.Lon + benchBoxSize},
		})
		return len(results), err
	}
}

func randomLocation(r *rand.Rand, b bounds) models.Location {
	return models.Location{
		Lat: b.minLat + r.Float64()*(b.maxLat-b.minLat),
		Lon: b.minLon + r.Float64()*(b.maxLon-b.minLon),
	}
}

func runQueries(ctx context.Context, queryType string, numQueries, workers int, limiter *rate.Limiter, query queryFunc) BenchmarkResult {
	if workers < 1 {
		workers = 1
	}

	var (
		totalResults int64
		errCount     atomic.Int64
		minDuration  = time.Hour
		maxDuration  time.Duration
		durations    []time.Duration
		mu           sync.Mutex
	)

	startTime := time.Now()

	queryCh := make(chan int, numQueries)
	var wg sync.WaitGroup

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))

			for range queryCh {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						errCount.Add(1)
						continue
					}
				}

				queryStart := time.Now()
				n, err := query(ctx, r)
				queryDuration := time.Since(queryStart)

				if err != nil {
					errCount.Add(1)
					log.Debug("query failed", zap.Error(err))
					continue
				}
				atomic.AddInt64(&totalResults, int64(n))

				mu.Lock()
				durations = append(durations, queryDuration)
				if queryDuration < minDuration {
					minDuration = queryDuration
				}
				if queryDuration > maxDuration {
					maxDuration = queryDuration
				}
				mu.Unlock()
			}
		}(time.Now().UnixNano() + int64(w))
	}

	for i := 0; i < numQueries; i++ {
		queryCh <- i
	}
	close(queryCh)

	wg.Wait()
	totalDuration := time.Since(startTime)

	result := BenchmarkResult{
		QueryType:     queryType,
		TotalQueries:  numQueries,
		Errors:        errCount.Load(),
		TotalDuration: totalDuration,
		QueriesPerSec: float64(numQueries) / totalDuration.Seconds(),
		MaxDuration:   maxDuration,
		TotalResults:  totalResults,
	}
	if len(durations) > 0 {
		var totalDur time.Duration
		for _, d := range durations {
			totalDur += d
		}
		result.AvgDuration = totalDur / time.Duration(len(durations))
		result.MinDuration = minDuration
		result.AvgResults = float64(totalResults) / float64(len(durations))
	}
	return result
}

func printResult(w io.Writer, result BenchmarkResult, workers int) {
	fmt.Fprintln(w, "\n=== Benchmark Results ===")
	fmt.Fprintf(w, "Query Type: %s\n", result.QueryType)
	fmt.Fprintf(w, "Total Queries: %d\n", result.TotalQueries)
	fmt.Fprintf(w, "Errors: %d\n", result.Errors)
	fmt.Fprintf(w, "Total Duration: %v\n", result.TotalDuration)
	fmt.Fprintf(w, "Average Duration: %v\n", result.AvgDuration)
	fmt.Fprintf(w, "Queries/Second: %.2f\n", result.QueriesPerSec)
	fmt.Fprintf(w, "Min Duration: %v\n", result.MinDuration)
	fmt.Fprintf(w, "Max Duration: %v\n", result.MaxDuration)
	fmt.Fprintf(w, "Total Results: %d\n", result.TotalResults)
	fmt.Fprintf(w, "Avg Results/Query: %.2f\n", result.AvgResults)
	fmt.Fprintf(w, "Workers Used: %d\n", workers)
	fmt.Fprintf(w, "CPU Cores: %d\n", runtime.NumCPU())
}
