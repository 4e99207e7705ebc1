// Package queue implements the ordered job queue every signaling message
// passes through.
//
// Each job gets a strictly increasing sequence id when it is submitted and
// is inserted before the first queued job with an equal or higher id, so
// the queue drains in sequence order no matter how producers interleave.
// A single drain goroutine runs jobs one at a time:
//
//   - success removes the job
//   - identity and ratchet errors (callerr.Class.Retryable) leave the job at
//     the head until the next Submit or Trigger, up to Options.MaxAttempts
//   - anything else removes the job and reports it to Options.OnFailure
//
// When the queue empties the drain reloads once from the JobCache before
// exiting. SQLiteCache keeps jobs across restarts; Start restores them.
package queue
