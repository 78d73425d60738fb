// Package scheduler fires jobs from their cron expressions and drives each
// fire through the execution lifecycle.
//
// # Triggers
//
// The Registry keeps one trigger per enabled job with a well-formed
// expression. Every tick the loop collects triggers whose next fire is due,
// advances them past now and dispatches the job. Fires missed while the
// process was down are not replayed: next fire times are recomputed from the
// load time.
//
// # Overlap
//
// A job has at most one execution in flight. A fire that arrives while the
// job is still running is dropped and logged; manual triggers get
// ErrAlreadyRunning instead.
//
// # Lifecycle of a fire
//
//  1. The execution row is inserted as running and the job's last/next run
//     times are stamped in one transaction.
//  2. The program is loaded and handed to the runner with an abort check
//     that watches the execution row.
//  3. The outcome is written back. The write only applies while the row is
//     still running, so an abort that won the race keeps its status.
//
// Stop aborts whatever is still in flight so no execution is left running.
package scheduler
