// Package dispatch runs external commands with bounded parallelism.
//
// A Dispatcher accepts Commands through Schedule, which never blocks, and runs
// at most maxConcurrency of them at once. Each Command becomes a Job:
//
//	Pending --(slot acquired)--> Running --(process exited)--> Finished
//
// Wait is a barrier: it returns once every Job scheduled so far is Finished
// and only then are exit code, stdout and stderr of those Jobs readable.
// Reading them earlier returns ErrNotWaited, a programmer error.
//
// A non-zero exit code is data, never an error. Failures of the dispatcher
// itself are folded into the Job result using reserved exit codes:
//   - ExitLaunchFailed: the process could not be started (missing binary,
//     permission denied); stderr carries the diagnostic.
//   - ExitTimedOut: Command.Timeout expired and the process was killed.
//   - ExitCanceled: the Dispatcher context was cancelled before or while
//     the job ran.
//
// Stdout and stderr are drained concurrently into memory without limits, so a
// child writing heavily to both streams cannot deadlock on a full pipe.
package dispatch
