// Package storage provides the persistence layer for scheduled tasks.
//
// It currently supports:
//   - The scheduled task table (create/list/cancel/fetch-due/reschedule)
//   - A bounded run history (one record per dispatched task)
package storage
