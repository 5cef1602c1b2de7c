package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/workglow-dev/flowcore/task"
)

func newValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse a graph JSON file and print its wiring",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a graph JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runValidate(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("flowctl: read %s: %w", file, err)
	}

	kinds, err := scanKinds(data)
	if err != nil {
		return err
	}

	g, err := task.FromJSON(data, passthroughRegistry(kinds))
	if err != nil {
		return fmt.Errorf("flowctl: load graph: %w", err)
	}

	sorted, err := g.TopologicallySortedNodes()
	if err != nil {
		return fmt.Errorf("flowctl: %w", err)
	}

	fmt.Printf("%d tasks, %d kinds\n", len(g.Tasks()), len(kinds))
	fmt.Println("topological order:")
	for _, t := range sorted {
		fmt.Printf("  %-12s %s (in=%d out=%d)\n", t.Kind, t.ID, len(g.InEdges(t.ID.String())), len(g.OutEdges(t.ID.String())))
	}

	fmt.Println("starting nodes:")
	for _, t := range g.StartingNodes() {
		fmt.Printf("  %s %s\n", t.Kind, t.ID)
	}

	fmt.Println("ending nodes:")
	for _, t := range g.EndingNodesAtMaxDepth() {
		fmt.Printf("  %s %s\n", t.Kind, t.ID)
	}

	return nil
}
