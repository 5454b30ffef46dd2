// Package scheduler registers recurring housekeeping jobs (autosave, status)
// on cron or fixed-interval schedules and triggers them onto the host
// scheduler. Mine resets are not scheduled here; each mine owns its own
// timer in the schedule package.
package scheduler
