package process

import (
	"errors"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Descendants returns the pids of every descendant of pid, deepest first.
func Descendants(pid int) []int {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int
	collect(p, &out, map[int32]bool{int32(pid): true})
	return out
}

func collect(p *gopsproc.Process, out *[]int, seen map[int32]bool) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		if seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		collect(c, out, seen)
		*out = append(*out, int(c.Pid))
	}
}

// KillTree force-kills all descendants of pid, then pid itself.
func KillTree(pid int) error {
	var errs []error
	for _, child := range Descendants(pid) {
		if err := forceKill(child); err != nil {
			errs = append(errs, err)
		}
	}
	if err := forceKill(pid); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
