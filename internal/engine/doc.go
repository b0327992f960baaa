// Package engine provides the job execution orchestrator. It owns the job
// lifecycle state machine, runs probe executions on a bounded worker pool,
// applies the caller's deadline to the wait and reconciles the terminal
// state of every execution back into the store.
package engine
