// Package scheduler is the caller-facing API of the task scheduler.
//
// The scheduler is responsible for:
//   - validating and persisting new tasks (schedule/list/cancel)
//   - running due tasks on demand via the dispatcher
//   - seeding default recurring tasks at bootstrap
//
// Periodic triggering lives in internal/task/trigger.
package scheduler
