// Package scheduler owns the task registry and drives the retry state machine.
//
// The Service is an explicit context built by the composition root; there is
// no package-level instance. It is responsible for:
//   - registering and cancelling tasks
//   - executing a task on demand (ExecuteNow is the wake-up entry point)
//   - tracking consecutive failures and arming delayed retries
//   - publishing every lifecycle transition on the event bus
//
// Trigger binding (cron, push, geofence) lives outside this package.
package scheduler
