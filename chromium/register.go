package chromium

import (
	"os"
	"sync"

	"github.com/event-capture/eventcapture/log"
)

var (
	processRegister   = []int{}      //nolint:gochecknoglobals
	processRegisterMu = sync.Mutex{} //nolint:gochecknoglobals
)

func register(logger *log.Logger, pid int) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	logger.Debugf("Process:register", "registered browser process pid %d", pid)

	processRegister = append(processRegister, pid)
}

// ForceProcessShutdown kills every browser launched by this process. It
// should be called when eventcapture is shutting down without having closed
// its browsers, e.g. on a second interrupt.
func ForceProcessShutdown() {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	for _, pid := range processRegister {
		Kill(pid)
	}
	processRegister = processRegister[:0]
}

// Kill will look for and kill the process with the given pid. It is a
// variable so that tests can avoid killing real processes.
var Kill = func(pid int) { //nolint:gochecknoglobals
	p, err := os.FindProcess(pid)
	if err != nil {
		// optimistically continue and don't kill the process
		return
	}
	// no need to check the error since we're already dying.
	_ = p.Kill()
	_ = p.Release()
}
