//go:build dispatchdebug

package scheduler

// debugBuild re-panics consumer failures after cleanup so bugs surface early.
const debugBuild = true
