// Package engine runs update tasks. The accepting side validates a trigger,
// records the task and its units, and hands the task to a dispatcher. The
// executing side, usually a separate process, walks each unit through
// pull, restart, health and verify steps and settles the task's terminal
// status. Stop, force stop and retry act on the durable task record, so any
// process sharing the database can control any task.
package engine
