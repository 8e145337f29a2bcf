package browser

import (
	"os"
	"syscall"
)

// killSignal is the graceful-termination signal sent before the hard
// kill fallback in stopLocked, mirroring internal/egg/server.go's
// SIGTERM-then-SIGKILL shutdown shape.
func killSignal() syscall.Signal {
	return syscall.SIGTERM
}

// exitInfo extracts a CrashEvent's code/signal fields from the
// process state cmd.Wait() leaves behind.
func exitInfo(ps *os.ProcessState) CrashEvent {
	if ps == nil {
		return CrashEvent{Code: -1}
	}
	if status, ok := ps.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return CrashEvent{Code: -1, Signal: status.Signal().String()}
	}
	return CrashEvent{Code: ps.ExitCode()}
}
