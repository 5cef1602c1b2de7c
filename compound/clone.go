package compound

import "github.com/workglow-dev/flowcore/task"

// freshClone serializes g and rebuilds it via registry, then forces every
// task back to PENDING with empty run data. Compound tasks run their
// sub-graph from scratch on every invocation (every Map/Reduce item, every
// While iteration), so a clone must never carry over a prior run's status
// even if FromJSON would otherwise preserve a COMPLETED/FAILED/DISABLED
// task as-is.
func freshClone(g *task.Graph, registry *task.Registry) (*task.Graph, error) {
	data, err := g.ToJSON()
	if err != nil {
		return nil, err
	}
	clone, err := task.FromJSON(data, registry)
	if err != nil {
		return nil, err
	}
	for _, t := range clone.Tasks() {
		t.Status = task.StatusPending
		t.RunInputData = nil
		t.RunOutputData = nil
		t.Progress = 0
	}
	return clone, nil
}
