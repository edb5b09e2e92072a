// Package service ties simulation jobs to their consumers.
//
// The Orchestrator owns a job.Runner, a stream.Hub for live subscribers and a
// bus.Sink for the durable event bus. Starting a simulation registers a job
// and fans every flushed batch out to both:
//
//   Orchestrator.Start         job.Runner            engine.Engine
//       |                          |                       |
//   RUNNING -> bus status          |                       |
//       | Start() ---------------->| pool.Go() ----------->| Run()
//       |                          |<--- raw events -------|
//       |                          | event.Pipeline        |
//       |<--- batches -------------| filter/batch/flush    |
//   hub.Publish + bus events       |                       |
//       |<--- OnStatus(final) -----|                       |
//   final status -> bus, hub topic closed
//
// Invariants:
//   - Start fails with model.ErrBusUnavailable and registers nothing while the
//     bus is disconnected.
//   - Every started job publishes exactly one final status on the bus.
//   - Stream and Stop report model.ErrNotFound for unknown ids.
//   - Run executes on the calling goroutine and tolerates a missing bus.
package service
