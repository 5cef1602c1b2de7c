package main

import (
	"encoding/json"
	"fmt"

	"github.com/workglow-dev/flowcore/task"
)

// passthroughRegistry builds a task.Registry that can reconstruct any kind
// found in a serialized graph as a passthrough task: its Execute copies
// every delivered input straight through to output, merged over Defaults.
// This is what lets flowctl load and run an arbitrary graph JSON file
// without a process-specific set of registered task kinds wired in -- a
// config + wiring demo, not a production task registry.
func passthroughRegistry(kinds []string) *task.Registry {
	registry := task.NewRegistry()
	for _, kind := range kinds {
		kind := kind
		registry.Register(kind, func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
			return passthroughFactory(kind, cfg, defaults)
		})
	}
	return registry
}

func passthroughFactory(kind string, cfg task.Config, defaults map[string]any) (*task.Task, error) {
	tk := task.New(kind, cfg)
	tk.Defaults = defaults
	tk.Execute = func(_ task.ExecuteContext, input map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(input)+len(defaults))
		for k, v := range defaults {
			out[k] = v
		}
		for k, v := range input {
			out[k] = v
		}
		return out, nil
	}
	return tk, nil
}

// scanKinds walks a serialized graph JSON document far enough to collect
// every distinct task kind it names, without needing a Registry (which is
// what a full task.FromJSON call would otherwise require up front).
func scanKinds(data []byte) ([]string, error) {
	var doc struct {
		Tasks []struct {
			Kind string `json:"kind"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("flowctl: parse graph JSON: %w", err)
	}

	seen := make(map[string]bool)
	var kinds []string
	for _, t := range doc.Tasks {
		if t.Kind == "" || seen[t.Kind] {
			continue
		}
		seen[t.Kind] = true
		kinds = append(kinds, t.Kind)
	}
	return kinds, nil
}
