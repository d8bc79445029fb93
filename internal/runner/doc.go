// Package runner executes one job on its allocated host by spawning the
// configured job-runner entrypoint.
//
// Each job gets its own subprocess. A protocol v1 request goes to stdin and a
// single JSON response is read back from stdout.
//
// Deadline handling:
//   - The job context carries the deadline (substage or scheduler timeout)
//   - When the context ends, SIGTERM is sent to the runner process
//   - After the grace period, SIGKILL is sent if the process is still running
//   - The context error is returned so callers can tell timeout from cancel
//
// Error handling:
//   - Entrypoint missing or not executable → error
//   - Invalid or missing JSON on stdout → error
//   - status=failed → Report with Passed=false
//   - status=passed → Report with Passed=true
//
// Stderr is captured and capped at 64KB.
package runner
