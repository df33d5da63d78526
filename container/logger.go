package container

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// newChildLogger builds the bootstrap logger writing JSON records to the
// parent's log pipe. A negative fd discards everything.
func newChildLogger(fd int) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if fd < 0 {
		logger.SetOutput(io.Discard)
	} else {
		logger.SetOutput(os.NewFile(uintptr(fd), "child-log"))
	}
	return logger.WithFields(logrus.Fields{
		"source": "bootstrap",
		"pid":    os.Getpid(),
	})
}
