package main

import (
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/kass/store-locator/pkg/loader"
	"github.com/kass/store-locator/pkg/models"
	"github.com/kass/store-locator/pkg/rtree"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type bounds struct {
	minLat, maxLat, minLon, maxLon float64
}

var (
	inputFile   string
	outputFile  string
	numRandom   int
	randomSeed  int64
	numWorkers  int
	randomBound bounds
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build an index snapshot",
	Long: `Build an in-memory index from a CSV/XLSX file (--input) or from randomly
generated stores (--random) and save it as a snapshot. A .zst suffix on the
output compresses the snapshot.`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringVarP(&inputFile, "input", "i", "", "Store file (.csv, .tsv or .xlsx)")
	indexCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Snapshot path (defaults to source.snapshot)")
	indexCmd.Flags().IntVar(&numRandom, "random", 0, "Generate this many random stores instead of reading --input")
	indexCmd.Flags().Int64Var(&randomSeed, "seed", time.Now().UnixNano(), "Random seed")
	indexCmd.Flags().IntVarP(&numWorkers, "workers", "w", runtime.NumCPU(), "Number of worker goroutines")
	addBoundsFlags(indexCmd, &randomBound)
}

// addBoundsFlags registers the area used for random data (default: roughly USA)
func addBoundsFlags(cmd *cobra.Command, b *bounds) {
	cmd.Flags().Float64Var(&b.minLat, "min-lat", 25.0, "Minimum latitude")
	cmd.Flags().Float64Var(&b.maxLat, "max-lat", 49.0, "Maximum latitude")
	cmd.Flags().Float64Var(&b.minLon, "min-lon", -125.0, "Minimum longitude")
	cmd.Flags().Float64Var(&b.maxLon, "max-lon", -66.0, "Maximum longitude")
}

func runIndex(cmd *cobra.Command, args []string) error {
	output := outputFile
	if output == "" {
		output = cfg.Source.Snapshot
	}
	if output == "" {
		return fmt.Errorf("no output path: pass --output or set source.snapshot")
	}

	var stores []models.StoreRecord
	switch {
	case numRandom > 0:
		log.Info("generating random stores", zap.Int("count", numRandom), zap.Int("workers", numWorkers))
		stores = generateRandomStores(numRandom, randomBound, numWorkers, randomSeed)
	case inputFile != "":
		var (
			report *loader.Report
			err    error
		)
		stores, report, err = loader.LoadFile(inputFile)
		if err != nil {
			return err
		}
		logReport(log, inputFile, report)
	default:
		return fmt.Errorf("pass --input or --random")
	}

	start := time.Now()
	index := rtree.NewGeoIndexWithWorkers(numWorkers)
	skipped, err := index.IndexStores(stores)
	if err != nil {
		return fmt.Errorf("failed to index stores: %w", err)
	}
	indexTime := time.Since(start)

	start = time.Now()
	if err := index.SaveToFile(output); err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	saveTime := time.Since(start)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Indexed %d stores (%d skipped) in %v (%.0f stores/sec)\n",
		index.Count(), skipped, indexTime, float64(len(stores))/indexTime.Seconds())
	fmt.Fprintf(out, "Snapshot saved to %s in %v\n", output, saveTime)
	if info, err := os.Stat(output); err == nil {
		fmt.Fprintf(out, "Snapshot size: %.2f MB\n", float64(info.Size())/(1024*1024))
	}
	return nil
}

// generateRandomStores fills n stores inside b using one generator per
// worker; the same seed and worker count give the same stores.
func generateRandomStores(n int, b bounds, workers int, seed int64) []models.StoreRecord {
	if workers < 1 {
		workers = 1
	}
	stores := make([]models.StoreRecord, n)

	perWorker := n / workers
	remainder := n % workers

	type workRange struct {
		start, end int
	}
	work := make(chan workRange, workers)
	done := make(chan struct{}, workers)

	for w := 0; w < workers; w++ {
		go func() {
			for wr := range work {
				r := rand.New(rand.NewSource(seed + int64(wr.start)))
				for i := wr.start; i < wr.end; i++ {
					stores[i] = models.StoreRecord{
						ID:    fmt.Sprintf("store_%d", i),
						Title: fmt.Sprintf("Store %d", i),
						Location: models.Location{
							Lat: b.minLat + r.Float64()*(b.maxLat-b.minLat),
							Lon: b.minLon + r.Float64()*(b.maxLon-b.minLon),
						},
					}
				}
			}
			done <- struct{}{}
		}()
	}

	start := 0
	for w := 0; w < workers; w++ {
		size := perWorker
		if w < remainder {
			size++
		}
		work <- workRange{start: start, end: start + size}
		start += size
	}
	close(work)

	for w := 0; w < workers; w++ {
		<-done
	}
	return stores
}
