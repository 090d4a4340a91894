//go:build windows

package process

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const processTerminate = 0x0001

// terminate has no graceful equivalent on Windows; the process is ended.
func terminate(pid int) error {
	return forceKill(pid)
}

// forceKill terminates a Windows process by PID.
func forceKill(pid int) error {
	if pid <= 0 {
		return nil
	}
	handle, err := openProcess(processTerminate, false, uint32(pid))
	if err != nil {
		// already gone
		return nil
	}
	defer func() { _ = closeHandle(handle) }()
	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

// openProcess opens a process handle
func openProcess(access uint32, inheritHandle bool, processID uint32) (syscall.Handle, error) {
	inherit := 0
	if inheritHandle {
		inherit = 1
	}

	ret, _, err := procOpenProcess.Call(
		uintptr(access),
		uintptr(inherit),
		uintptr(processID),
	)

	if ret == 0 {
		return 0, err
	}

	return syscall.Handle(ret), nil
}

// closeHandle closes a Windows handle
func closeHandle(handle syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(handle))
	if ret == 0 {
		return err
	}
	return nil
}
