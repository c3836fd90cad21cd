// Package session holds the authoritative model of the capture session
// lifecycle: idle → starting → active → ended, with the orthogonal
// background-available flag and the saved background artifact.
//
// The Machine is a single-goroutine actor. Transport event handlers and
// user-initiated requests post commands; everything else reads value
// snapshots. There is exactly one writer of session state.
package session
