//go:build windows

package daemon

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func processAlive(pid int) bool {
	// os.FindProcess succeeds for any PID on Windows.
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	windows.CloseHandle(handle)
	return true
}

// Daemonize is not supported on Windows; run the agent under a service manager.
func Daemonize(args []string) (int, error) {
	return 0, fmt.Errorf("background mode is not supported on Windows")
}
