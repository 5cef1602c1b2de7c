package task

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// taskJSON is the wire shape of a single task: enough to reconstruct it
// via a Registry, plus its current mutable run state so a checkpoint can
// restore in-flight progress.
type taskJSON struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Config        Config         `json:"config"`
	Defaults      map[string]any `json:"defaults"`
	Status        Status         `json:"status"`
	Progress      int            `json:"progress"`
	RunInputData  map[string]any `json:"runInputData,omitempty"`
	RunOutputData map[string]any `json:"runOutputData,omitempty"`
	// SubGraph carries a compound task's nested graph (and its own tasks'
	// run state), recursively, so a subgraph is never lost across a
	// checkpoint save/resume or a clone's serialize/deserialize round trip.
	SubGraph *graphJSON `json:"subgraph,omitempty"`
}

type dataflowJSON struct {
	SourceID   string         `json:"sourceId"`
	SourcePort string         `json:"sourcePort"`
	TargetID   string         `json:"targetId"`
	TargetPort string         `json:"targetPort"`
	Status     DataflowStatus `json:"status"`
}

// graphJSON is the serialized shape of a Graph, named graphJson in the
// checkpoint data model.
type graphJSON struct {
	Tasks     []taskJSON     `json:"tasks"`
	Dataflows []dataflowJSON `json:"dataflows"`
}

// ToJSON serializes the graph's structure and current run state.
func (g *Graph) ToJSON() ([]byte, error) {
	gj := g.toGraphJSON()
	return json.Marshal(gj)
}

// toGraphJSON builds the wire shape of g, recursing into every task's
// SubGraph so a compound task's nested structure and run state travel with
// it through ToJSON/FromJSON.
func (g *Graph) toGraphJSON() graphJSON {
	gj := graphJSON{}
	for _, id := range g.order {
		t := g.tasks[id]
		t.mu.RLock()
		tj := taskJSON{
			ID:            id,
			Kind:          t.Kind,
			Config:        t.Config,
			Defaults:      t.Defaults,
			Status:        t.Status,
			Progress:      t.Progress,
			RunInputData:  t.RunInputData,
			RunOutputData: t.RunOutputData,
		}
		sub := t.SubGraph
		t.mu.RUnlock()
		if sub != nil {
			subJSON := sub.toGraphJSON()
			tj.SubGraph = &subJSON
		}
		gj.Tasks = append(gj.Tasks, tj)
	}
	for _, key := range g.dataflowKeysInOrder() {
		df := g.dataflows[key]
		gj.Dataflows = append(gj.Dataflows, dataflowJSON{
			SourceID:   key.SourceID,
			SourcePort: key.SourcePort,
			TargetID:   key.TargetID,
			TargetPort: key.TargetPort,
			Status:     df.Status,
		})
	}
	return gj
}

func (g *Graph) dataflowKeysInOrder() []DataflowKey {
	var out []DataflowKey
	for _, id := range g.order {
		out = append(out, g.outEdges[id]...)
	}
	return out
}

// FromJSON rebuilds a Graph from serialized bytes, using registry to
// reconstruct each task's Execute/ExecuteStream wiring from its kind, and
// restores each task's persisted status/progress/run data so the scheduler
// can resume a run: COMPLETED tasks are skipped, PENDING/PROCESSING tasks
// re-execute.
func FromJSON(data []byte, registry *Registry) (*Graph, error) {
	var gj graphJSON
	if err := json.Unmarshal(data, &gj); err != nil {
		return nil, fmt.Errorf("task: unmarshal graph json: %w", err)
	}
	return graphFromJSON(gj, registry)
}

// graphFromJSON rebuilds a Graph from an already-decoded graphJSON,
// recursing into each task's SubGraph so a compound task's nested graph and
// run state are restored along with its parent.
func graphFromJSON(gj graphJSON, registry *Registry) (*Graph, error) {
	g := NewGraph()
	for _, tj := range gj.Tasks {
		t, err := registry.Create(tj.Kind, tj.Config, tj.Defaults)
		if err != nil {
			return nil, err
		}
		id, err := uuid.Parse(tj.ID)
		if err != nil {
			return nil, fmt.Errorf("task: invalid task id %q: %w", tj.ID, err)
		}
		t.ID = id
		// A PROCESSING task resumes as PENDING so the scheduler re-enters
		// it in the wave loop; any other restored status (COMPLETED,
		// FAILED, DISABLED) is preserved as-is so the scheduler can skip
		// or respect it.
		if tj.Status == StatusProcessing || tj.Status == StatusStreaming || tj.Status == StatusAborting {
			t.Status = StatusPending
		} else {
			t.Status = tj.Status
		}
		t.Progress = tj.Progress
		t.RunInputData = tj.RunInputData
		t.RunOutputData = tj.RunOutputData

		if tj.SubGraph != nil {
			sub, err := graphFromJSON(*tj.SubGraph, registry)
			if err != nil {
				return nil, fmt.Errorf("task: task %q subgraph: %w", tj.ID, err)
			}
			t.SubGraph = sub
		}

		if err := g.AddTask(t); err != nil {
			return nil, err
		}
	}

	for _, dfj := range gj.Dataflows {
		key := DataflowKey{
			SourceID:   dfj.SourceID,
			SourcePort: dfj.SourcePort,
			TargetID:   dfj.TargetID,
			TargetPort: dfj.TargetPort,
		}
		if err := g.AddDataflow(key); err != nil {
			return nil, err
		}
		g.dataflows[key].Status = dfj.Status
	}

	return g, nil
}
