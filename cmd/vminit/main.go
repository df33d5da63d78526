// Command vminit runs a container workload from an OCI spec. Invoked with
// the init argument it becomes the bootstrap side of its own launch.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"

	"github.com/hikaen/go-microvm/container"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		container.InitChild()
	}

	var (
		bundle  string
		id      string
		fifo    string
		noPivot bool
		debug   bool
	)
	flag.StringVar(&bundle, "bundle", ".", "bundle directory holding config.json")
	flag.StringVar(&id, "id", "container", "container id")
	flag.StringVar(&fifo, "exec-fifo", "", "path of the exec fifo")
	flag.BoolVar(&noPivot, "no-pivot", false, "move the rootfs instead of pivoting")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logger.WithField("container", id)

	buf, err := os.ReadFile(bundle + "/config.json")
	if err != nil {
		log.WithError(err).Fatal("read bundle config")
	}
	var spec specs.Spec
	if err := json.Unmarshal(buf, &spec); err != nil {
		log.WithError(err).Fatal("decode bundle config")
	}
	if spec.Process == nil {
		log.Fatal("bundle config has no process")
	}

	l := &container.Launcher{
		ID:       id,
		Spec:     &spec,
		Process:  spec.Process,
		Init:     true,
		NoPivot:  noPivot,
		Logger:   log,
		FifoPath: fifo,
	}
	if l.FifoPath == "" {
		l.FifoPath = bundle + "/exec.fifo"
	}

	proc, err := l.Start()
	if err != nil {
		log.WithError(err).Fatal("start container")
	}
	log.WithField("pid", proc.Pid).Info("container created")

	if err := proc.SignalStart(); err != nil {
		log.WithError(err).Fatal("release workload")
	}
	code, err := proc.Wait()
	if err != nil {
		log.WithError(err).Fatal("wait container")
	}
	log.WithField("exit", code).Info("container exited")
	if code != 0 {
		syscall.Exit(code)
	}
}
