package system

import "os"

var geteuid = os.Geteuid

// RunningAsRoot reports whether the process has root rights already.
func RunningAsRoot() bool {
	return geteuid() == 0
}

// Elevate rewrites a command line so that it runs with root rights when
// sudo is requested. sudo runs non-interactively; a password prompt would
// hang an unattended run, so -n fails fast instead.
func Elevate(sudo bool, name string, args ...string) (string, []string) {
	if !sudo {
		return name, args
	}
	return "sudo", append([]string{"-n", name}, args...)
}
