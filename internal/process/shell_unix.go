//go:build !windows

package process

// Server lines with shell syntax run through sh; an empty line runs a
// command that exits at once so the supervisor sees a clean stop.
var (
	shell = []string{"/bin/sh", "-c"}
	idle  = []string{"/bin/true"}
)
