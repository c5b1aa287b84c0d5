// Package service runs refreshes for the CLI.
//
// Refresh is the manual mode: a single run whose result is published to the
// configured uploaders and whose exit code is returned to the caller.
//
// Run is the timer mode. A Supervisor owns a gocron scheduler with one job
// built from service.schedule, either a 5 field cron expression or a duration
// such as 1h30m. Every tick triggers a full refresh through the Refresher.
//
//	gocron tick      Supervisor              Refresher (pipeline.Controller)
//	    |                |                          |
//	    |---- tick ----->| Trigger(full) ---------->| Go()
//	    |                |                          | gather, gate, populate
//	    |                |<------ Result -----------|
//	    |                | report.Publish           |
//
// Invariants:
//   - At most one refresh is active. The job runs in gocron singleton mode,
//     so a tick arriving while the scheduled refresh runs is skipped and the
//     job waits for its next run. A manual Trigger next to an active refresh
//     fails with ErrRunInProgress, it is never queued.
//   - A failed refresh is data: Trigger returns its Result and a nil error.
//   - Cancelling the context stops the scheduler, lets the active refresh
//     wind down (its children are killed by the same context) and closes the
//     uploaders.
package service
