package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/youssefEdrees/postgres-typesense-sync/internal/config"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/db"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/engine"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/index"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/logger"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/mapping"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"

	jsonOutput bool
	configPath string
	tablesFlag []string
)

func main() {
	logger.Init()

	rootCmd := &cobra.Command{
		Use:   "typesync",
		Short: "PostgreSQL to Typesense sync engine",
		Long: `Typesync keeps Typesense collections in step with PostgreSQL tables
through a trigger-fed change queue. Setup installs the queue table and
triggers; sync drains pending changes into Typesense in atomic batches.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the mapping config file")
	rootCmd.PersistentFlags().StringSliceVarP(&tablesFlag, "tables", "t", nil, "Restrict to these configured tables")

	rootCmd.AddCommand(versionCmd(), setupCmd(), syncCmd(), statusCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("typesync %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	}
}

// loadConfig reads the config file and applies the --tables restriction.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if len(tablesFlag) > 0 {
		filtered, err := cfg.Registry.Filter(tablesFlag)
		if err != nil {
			return nil, err
		}
		cfg.Registry = filtered
	}
	return cfg, nil
}

func fail(err error) {
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "error": err.Error()})
	} else {
		fmt.Fprintf(os.Stderr, "✗ Error: %v\n", err)
	}
	os.Exit(1)
}

func setupCmd() *cobra.Command {
	var recreate, backfill bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Provision the queue table, triggers and Typesense collections",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK                bool                    `json:"ok"`
				QueueCreated      bool                    `json:"queue_created"`
				TriggersInstalled int                     `json:"triggers_installed"`
				Collections       *index.ProvisionSummary `json:"collections,omitempty"`
				BackfilledRecords int64                   `json:"backfilled_records,omitempty"`
			}

			cfg, err := loadConfig()
			if err != nil {
				fail(err)
			}

			ctx := context.Background()
			store, err := db.Open(ctx, cfg.DB)
			if err != nil {
				fail(err)
			}
			defer store.Close()

			if err := store.ValidateSources(ctx, cfg.Registry); err != nil {
				fail(err)
			}

			result := Result{OK: true}

			result.QueueCreated, err = store.EnsureQueueTable(ctx)
			if err != nil {
				fail(err)
			}

			result.TriggersInstalled, err = store.InstallTriggers(ctx, cfg.Registry)
			if err != nil {
				fail(err)
			}

			client := index.New(cfg.Index)
			result.Collections, err = client.EnsureCollections(ctx, cfg.Registry, recreate)
			if err != nil {
				fail(err)
			}

			if backfill {
				result.BackfilledRecords, err = store.BackfillQueue(ctx, cfg.Registry)
				if err != nil {
					fail(err)
				}
			}

			if jsonOutput {
				printJSON(result)
				return
			}
			if result.QueueCreated {
				fmt.Printf("✓ Queue table %s created\n", db.QueueTable)
			} else {
				fmt.Printf("✓ Queue table %s already exists\n", db.QueueTable)
			}
			fmt.Printf("✓ Triggers installed: %d new\n", result.TriggersInstalled)
			for _, name := range result.Collections.Created {
				fmt.Printf("✓ Collection %s created\n", name)
			}
			for _, name := range result.Collections.Recreated {
				fmt.Printf("✓ Collection %s recreated\n", name)
			}
			for _, name := range result.Collections.Existing {
				fmt.Printf("✓ Collection %s already exists\n", name)
			}
			for name, diffs := range result.Collections.Differences {
				fmt.Printf("⚠ Collection %s differs from config:\n", name)
				for _, diff := range diffs {
					fmt.Printf("    %s\n", diff)
				}
			}
			if backfill {
				fmt.Printf("✓ Backfilled %d existing records into the queue\n", result.BackfilledRecords)
			}
		},
	}

	cmd.Flags().BoolVar(&recreate, "recreate", false, "Drop and recreate existing collections")
	cmd.Flags().BoolVar(&backfill, "backfill-queue", false, "Enqueue all existing rows for the first sync")
	return cmd
}

func syncCmd() *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the change queue into Typesense",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fail(err)
			}

			ctx := context.Background()
			store, err := db.Open(ctx, cfg.DB)
			if err != nil {
				fail(err)
			}
			defer store.Close()

			client := index.New(cfg.Index)
			eng := engine.New(engine.WrapStore(store), client, cfg.Registry, batchSize)

			started := time.Now()
			result, err := eng.Sync(ctx)
			if err != nil {
				// Committed batches keep their progress even when a later
				// batch fails.
				if !jsonOutput && result.Processed > 0 {
					fmt.Printf("⚠ Processed %d entries in %d batches before failing\n",
						result.Processed, result.Batches)
				}
				fail(err)
			}

			if jsonOutput {
				printJSON(result)
				return
			}
			if result.Processed == 0 {
				fmt.Println("✓ Queue is empty, nothing to sync")
				return
			}
			fmt.Printf("✓ Synced %d entries in %d batches (%d upserts, %d deletes) in %s\n",
				result.Processed, result.Batches, result.Upserts, result.Deletes,
				time.Since(started).Round(time.Millisecond))
		},
	}

	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", engine.DefaultBatchSize, "Queue entries per batch transaction")
	return cmd
}

type tableStatus struct {
	Name             string `json:"name"`
	SourceExists     bool   `json:"source_exists"`
	RowCount         int64  `json:"row_count"`
	TriggerInstalled bool   `json:"trigger_installed"`
	Collection       string `json:"collection"`
	CollectionExists bool   `json:"collection_exists"`
	DocumentCount    int64  `json:"document_count"`
	FieldCount       int    `json:"field_count"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and per-table sync state",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK     bool           `json:"ok"`
				Queue  *engine.Status `json:"queue"`
				Tables []tableStatus  `json:"tables"`
			}

			cfg, err := loadConfig()
			if err != nil {
				fail(err)
			}

			ctx := context.Background()
			store, err := db.Open(ctx, cfg.DB)
			if err != nil {
				fail(err)
			}
			defer store.Close()

			client := index.New(cfg.Index)
			eng := engine.New(engine.WrapStore(store), client, cfg.Registry, 0)

			queue, err := eng.Status(ctx)
			if err != nil {
				fail(err)
			}

			tables := make([]tableStatus, 0, len(cfg.Registry.Tables()))
			for _, tm := range cfg.Registry.Tables() {
				ts, err := collectTableStatus(ctx, store, client, tm)
				if err != nil {
					fail(err)
				}
				tables = append(tables, ts)
			}

			if jsonOutput {
				printJSON(Result{OK: true, Queue: queue, Tables: tables})
				return
			}

			if !queue.QueueExists {
				fmt.Println("✗ Queue table does not exist — run 'typesync setup' first")
			} else {
				fmt.Printf("✓ Queue: %d pending entries\n", queue.Queue.Total)
				if queue.Queue.Oldest != nil {
					fmt.Printf("  oldest %s, newest %s\n",
						queue.Queue.Oldest.Format(time.RFC3339),
						queue.Queue.Newest.Format(time.RFC3339))
				}
				for _, b := range queue.Queue.Breakdown {
					fmt.Printf("  %s %s: %d\n", b.TableName, b.Operation, b.Count)
				}
			}

			for _, ts := range tables {
				fmt.Printf("\n%s -> %s\n", ts.Name, ts.Collection)
				if ts.SourceExists {
					fmt.Printf("  ✓ source exists (%d rows)\n", ts.RowCount)
				} else {
					fmt.Println("  ✗ source table missing")
				}
				if ts.TriggerInstalled {
					fmt.Println("  ✓ trigger installed")
				} else {
					fmt.Println("  ✗ trigger missing")
				}
				if ts.CollectionExists {
					fmt.Printf("  ✓ collection exists (%d documents, %d fields)\n",
						ts.DocumentCount, ts.FieldCount)
				} else {
					fmt.Println("  ✗ collection missing")
				}
			}
		},
	}
}

func collectTableStatus(ctx context.Context, store *db.Store, client *index.Client, tm *mapping.TableMapping) (tableStatus, error) {
	ts := tableStatus{Name: tm.Name, Collection: tm.Collection}

	exists, err := store.SourceExists(ctx, tm.Name)
	if err != nil {
		return ts, err
	}
	ts.SourceExists = exists
	if exists {
		if ts.RowCount, err = store.CountRows(ctx, tm.Name); err != nil {
			return ts, err
		}
		if ts.TriggerInstalled, err = store.TriggerInstalled(ctx, tm); err != nil {
			return ts, err
		}
	}

	collection, err := client.RetrieveCollection(ctx, tm.Collection)
	switch {
	case err == nil:
		ts.CollectionExists = true
		ts.DocumentCount = collection.NumDocuments
		ts.FieldCount = len(collection.Fields)
	case index.IsNotFound(err):
		// absent collection is a reportable state, not an error
	default:
		return ts, err
	}
	return ts, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
