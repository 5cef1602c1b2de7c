package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/workglow-dev/flowcore/checkpoint"
	"github.com/workglow-dev/flowcore/checkpoint/memorystore"
	"github.com/workglow-dev/flowcore/checkpoint/sqlite"
	"github.com/workglow-dev/flowcore/scheduler"
	"github.com/workglow-dev/flowcore/task"
)

func newRunCmd() *cobra.Command {
	var (
		file            string
		inputJSON       string
		checkpointKind  string
		dbPath          string
		threadID        string
		concurrency     int
		failFast        bool
		interruptBefore string
		interruptAfter  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a graph JSON file to completion (or to its first interrupt)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), runOpts{
				file:            file,
				inputJSON:       inputJSON,
				checkpointKind:  checkpointKind,
				dbPath:          dbPath,
				threadID:        threadID,
				concurrency:     concurrency,
				failFast:        failFast,
				interruptBefore: splitCSV(interruptBefore),
				interruptAfter:  splitCSV(interruptAfter),
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a graph JSON file")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().StringVarP(&inputJSON, "input", "i", "{}", "top-level input, as a JSON object")
	cmd.Flags().StringVar(&checkpointKind, "checkpoint", "none", "checkpoint backend: none, memory, or sqlite")
	cmd.Flags().StringVar(&dbPath, "db", "flowctl.db", "database path, for --checkpoint=sqlite")
	cmd.Flags().StringVar(&threadID, "thread-id", "", "checkpoint thread id; a new one is generated if empty")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max tasks dispatched per wave; 0 means unbounded")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "abort the whole run on the first task failure")
	cmd.Flags().StringVar(&interruptBefore, "interrupt-before", "", "comma-separated task kinds/ids to pause before")
	cmd.Flags().StringVar(&interruptAfter, "interrupt-after", "", "comma-separated task kinds/ids to pause after")

	return cmd
}

type runOpts struct {
	file            string
	inputJSON       string
	checkpointKind  string
	dbPath          string
	threadID        string
	concurrency     int
	failFast        bool
	interruptBefore []string
	interruptAfter  []string
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runRun(ctx context.Context, opts runOpts) error {
	data, err := os.ReadFile(opts.file)
	if err != nil {
		return fmt.Errorf("flowctl: read %s: %w", opts.file, err)
	}

	kinds, err := scanKinds(data)
	if err != nil {
		return err
	}

	g, err := task.FromJSON(data, passthroughRegistry(kinds))
	if err != nil {
		return fmt.Errorf("flowctl: load graph: %w", err)
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(opts.inputJSON), &input); err != nil {
		return fmt.Errorf("flowctl: parse --input: %w", err)
	}

	store, granularity, err := resolveCheckpointStore(opts.checkpointKind, opts.dbPath)
	if err != nil {
		return err
	}

	cfg := scheduler.RunConfig{
		Concurrency:           opts.concurrency,
		FailFast:              opts.failFast,
		CheckpointGranularity: granularity,
		CheckpointStore:       store,
		ThreadID:              opts.threadID,
		InterruptBefore:       opts.interruptBefore,
		InterruptAfter:        opts.interruptAfter,
	}

	result, err := scheduler.New().Run(ctx, g, input, cfg)
	if err != nil {
		return fmt.Errorf("flowctl: run: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("flowctl: marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func resolveCheckpointStore(kind, dbPath string) (checkpoint.Store, scheduler.CheckpointGranularity, error) {
	switch kind {
	case "", "none":
		return nil, scheduler.CheckpointNone, nil
	case "memory":
		return memorystore.New(), scheduler.CheckpointEveryTask, nil
	case "sqlite":
		store, err := sqlite.New(sqlite.Options{Path: dbPath})
		if err != nil {
			return nil, scheduler.CheckpointNone, fmt.Errorf("flowctl: open sqlite checkpoint store: %w", err)
		}
		return store, scheduler.CheckpointEveryTask, nil
	default:
		return nil, scheduler.CheckpointNone, fmt.Errorf("flowctl: unknown --checkpoint %q (want none, memory, or sqlite)", kind)
	}
}
