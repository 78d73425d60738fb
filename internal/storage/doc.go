// Package storage persists programs, jobs and their execution history in a
// single SQLite file.
//
// SQLite allows one writer at a time. Every read and write goes through the
// retry policy so a busy database (another process holding the write lock)
// shows up as added latency instead of an error.
package storage
