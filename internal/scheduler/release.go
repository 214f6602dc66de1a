//go:build !dispatchdebug

package scheduler

const debugBuild = false
