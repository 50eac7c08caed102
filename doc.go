// Package cogen is a cooperative coroutine runtime with an asynchronous
// I/O proactor.
//
// A Task wraps a resumable coroutine: its body runs on its own goroutine
// and suspends only by yielding an Operation (Recv, Send, SendAll, Accept,
// Connect, SendFile, WaitForSignal, Signal, Spawn, Join, or a plain timed
// wait) to the Scheduler. The Scheduler drives exactly one Task at a time,
// routes yielded Operations to the proactor (for I/O), the signal bus (for
// wait/notify), or the timer wheel (for timeouts and sleeps), and resumes
// the Task once its Operation completes, times out, or is cancelled.
//
// Constructors
//   - NewScheduler(opts ...Option): build a Scheduler. The default
//     Option set uses the portable proactor.NewNetPoller backend, a
//     500ms proactor_resolution, and PriorityDefault for unspecified
//     Operations.
//   - Scheduler.Spawn(fn, prio): start a coroutine; returns a *Task handle
//     before the coroutine's first step.
//   - Scheduler.Run(ctx): drive all spawned Tasks to quiescence.
//
// Batch helpers RunAll, Map, and ForEach build on Spawn+Join for the common
// case of fanning a slice of work out across coroutines and collecting
// results.
//
// The package does not implement an HTTP/1.1 request parser, WSGI
// environment construction, or a path dispatcher; see the httpserver
// subpackage for a minimal collaborator that only exercises Accept, Recv
// (through BufferedStream.ReadLine), and SendAll.
package cogen
