package main

import (
	"fmt"
	"time"

	"github.com/kass/store-locator/pkg/config"
	"github.com/kass/store-locator/pkg/elastic"
	"github.com/kass/store-locator/pkg/loader"
	"github.com/kass/store-locator/pkg/postgis"
	"github.com/spf13/cobra"
)

var importTarget string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk load a store file into PostGIS or Elasticsearch",
	Long:  `Read a CSV/XLSX store file and upsert it into the target backend, creating the schema or index first.`,
	RunE:  runImport,
}

func init() {
	importCmd.Flags().StringVarP(&inputFile, "input", "i", "", "Store file (.csv, .tsv or .xlsx)")
	importCmd.Flags().StringVarP(&importTarget, "target", "t", "", "postgis or elastic (defaults to source.kind)")
	importCmd.MarkFlagRequired("input")
}

func runImport(cmd *cobra.Command, args []string) error {
	target := importTarget
	if target == "" {
		target = cfg.Source.Kind
	}

	stores, report, err := loader.LoadFile(inputFile)
	if err != nil {
		return err
	}
	logReport(log, inputFile, report)

	ctx := cmd.Context()
	start := time.Now()
	var skipped int
	var summary string

	switch target {
	case config.SourcePostGIS:
		store, err := postgis.Open(ctx, postgisConfig(cfg), log)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.InitSchema(ctx); err != nil {
			return err
		}
		if skipped, err = store.BulkInsertStores(ctx, stores); err != nil {
			return err
		}
		if err := store.CreateSpatialIndex(ctx); err != nil {
			return err
		}
		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		summary = stats.String()

	case config.SourceElastic:
		store, err := elastic.NewStore(elasticConfig(cfg), log)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.CreateIndex(ctx); err != nil {
			return err
		}
		if skipped, err = store.BulkIndex(ctx, stores); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported import target %q (want %s or %s)", target, config.SourcePostGIS, config.SourceElastic)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d stores into %s (%d skipped) in %v\n",
		len(stores)-skipped, target, skipped, time.Since(start))
	if summary != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "stores table: %s\n", summary)
	}
	return nil
}
