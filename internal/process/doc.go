// Package process supervises one external server process.
//
// Supervisor owns the single goroutine that waits on the child and performs
// the interrupt, grace period and forced kill sequence. WaitReady polls a
// readiness check until it passes, the process fails, or time runs out.
// LogWatcher scans a server log for lines that mean startup cannot succeed.
package process
