package container

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// BootstrapEnv is the bootstrap state the parent passes through the
// environment. Optional descriptors are -1 when absent.
type BootstrapEnv struct {
	Init          bool
	NoPivot       bool
	Crfd          int
	Cwfd          int
	Clog          int
	Fifo          int
	ConsoleSocket int
}

func envFd(name string) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return -1, nil
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return -1, errors.Errorf("bootstrap: invalid fd in %s: %q", name, v)
	}
	return fd, nil
}

func envBool(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// ReadBootstrapEnv parses the bootstrap environment. The sync channel
// descriptors are mandatory.
func ReadBootstrapEnv() (*BootstrapEnv, error) {
	env := &BootstrapEnv{
		Init:    envBool(envInit),
		NoPivot: envBool(envNoPivot),
	}
	var err error
	if env.Crfd, err = envFd(envCrfd); err != nil {
		return nil, err
	}
	if env.Cwfd, err = envFd(envCwfd); err != nil {
		return nil, err
	}
	if env.Crfd < 0 || env.Cwfd < 0 {
		return nil, errors.New("bootstrap: sync descriptors not set")
	}
	if env.Clog, err = envFd(envClog); err != nil {
		return nil, err
	}
	if env.Fifo, err = envFd(envFifo); err != nil {
		return nil, err
	}
	if env.ConsoleSocket, err = envFd(envConsoleSocket); err != nil {
		return nil, err
	}
	return env, nil
}
