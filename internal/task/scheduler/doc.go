// Package scheduler fires the detection job on a cron expression or a fixed
// interval. Overlapping fires are skipped, never queued.
package scheduler
