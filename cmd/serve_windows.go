//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs is a no-op on Windows, which has no Setsid equivalent.
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals lists the signals that trigger graceful server shutdown.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// sigTERM is what 'serve stop' sends first.
func sigTERM() syscall.Signal { return syscall.SIGTERM }

// sigKILL is the escalation when the server ignores sigTERM.
func sigKILL() syscall.Signal { return syscall.SIGKILL }
