// Package bus provides the event emitter used by tasks, the scheduler,
// compound tasks and the job queue to notify observers without coupling
// them to one another.
package bus
