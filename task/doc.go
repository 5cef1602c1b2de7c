// Package task is documented in task.go and graph.go; see the Task doc
// comment in task.go for the state machine and the Graph doc comment in
// graph.go for the DAG model.
package task
