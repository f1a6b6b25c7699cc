//go:build linux

package call

import (
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// urgentAudioNice matches the niceness of an urgent audio thread.
const urgentAudioNice = -19

// raisePriority pins the calling goroutine to its thread and renices that
// thread. The thread is never unlocked, so it exits with the goroutine and the
// raised priority does not leak to other goroutines.
func raisePriority(logger *logrus.Entry) {
	runtime.LockOSThread()
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), urgentAudioNice); err != nil {
		logger.WithError(err).Debug("Could not raise call worker priority")
	}
}
