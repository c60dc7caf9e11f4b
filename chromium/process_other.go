//go:build !linux

package chromium

import "os/exec"

// killAfterParent is only supported on Linux. Elsewhere the process register
// takes care of leftover browsers.
func killAfterParent(_ *exec.Cmd) {}
