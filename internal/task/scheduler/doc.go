// Package scheduler triggers housekeeping jobs on cron or interval schedules.
//
// Jobs run on their own goroutine with a timeout; a job still running when its
// next trigger fires is skipped for that trigger.
package scheduler
