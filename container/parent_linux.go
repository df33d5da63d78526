package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hikaen/go-microvm/pkg/pipe"
	"github.com/hikaen/go-microvm/pkg/syncmsg"
)

var namespaceFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.PIDNamespace:     unix.CLONE_NEWPID,
	specs.NetworkNamespace: unix.CLONE_NEWNET,
	specs.MountNamespace:   unix.CLONE_NEWNS,
	specs.IPCNamespace:     unix.CLONE_NEWIPC,
	specs.UTSNamespace:     unix.CLONE_NEWUTS,
	specs.UserNamespace:    unix.CLONE_NEWUSER,
	specs.CgroupNamespace:  unix.CLONE_NEWCGROUP,
}

// Launcher spawns and synchronizes one bootstrap process.
type Launcher struct {
	ID      string
	Spec    *specs.Spec
	Process *specs.Process
	Init    bool
	NoPivot bool
	Logger  *logrus.Entry

	// FifoPath is the exec fifo for init processes. Created on Start,
	// released by SignalStart.
	FifoPath string

	// ConsoleSocket receives the pty master when the process wants a
	// terminal.
	ConsoleSocket *os.File
}

// Proc is a started bootstrap process.
type Proc struct {
	Pid  int
	cmd  *exec.Cmd
	fifo string
	logs *pipe.LogForwarder
}

// Start spawns the child, drives the sync handshake to completion and
// returns once the child reports ready. Init children then block on the
// exec fifo until SignalStart.
func (l *Launcher) Start() (*Proc, error) {
	specJSON, err := json.Marshal(l.Spec)
	if err != nil {
		return nil, errors.Wrap(err, "encode oci spec")
	}
	procJSON, err := json.Marshal(l.Process)
	if err != nil {
		return nil, errors.Wrap(err, "encode process")
	}

	var cloneFlags uintptr
	userns := false
	if l.Spec.Linux != nil {
		for _, ns := range l.Spec.Linux.Namespaces {
			if ns.Path != "" {
				return nil, errors.Errorf("joining existing %s namespace not supported", ns.Type)
			}
			flag, ok := namespaceFlags[ns.Type]
			if !ok {
				return nil, errors.Errorf("unknown namespace type %q", ns.Type)
			}
			cloneFlags |= flag
			if ns.Type == specs.UserNamespace {
				userns = true
			}
		}
	}

	// child read / child write ends of the sync channel
	crRead, crWrite, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "sync pipe")
	}
	cwRead, cwWrite, err := os.Pipe()
	if err != nil {
		crRead.Close()
		crWrite.Close()
		return nil, errors.Wrap(err, "sync pipe")
	}

	logs, err := pipe.NewLogForwarder(l.Logger)
	if err != nil {
		crRead.Close()
		crWrite.Close()
		cwRead.Close()
		cwWrite.Close()
		return nil, err
	}

	cmd := exec.Command("/proc/self/exe", initArg)
	cmd.ExtraFiles = []*os.File{crRead, cwWrite, logs.W}
	cmd.Env = []string{
		envInit + "=" + strconv.FormatBool(l.Init),
		envNoPivot + "=" + strconv.FormatBool(l.NoPivot),
		envCrfd + "=3",
		envCwfd + "=4",
		envClog + "=5",
	}

	var fifoFile *os.File
	if l.Init && l.FifoPath != "" {
		if err := unix.Mkfifo(l.FifoPath, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
			crRead.Close()
			crWrite.Close()
			cwRead.Close()
			cwWrite.Close()
			logs.W.Close()
			return nil, errors.Wrap(err, "create exec fifo")
		}
		fd, err := unix.Open(l.FifoPath, unix.O_PATH|unix.O_CLOEXEC, 0)
		if err != nil {
			crRead.Close()
			crWrite.Close()
			cwRead.Close()
			cwWrite.Close()
			logs.W.Close()
			return nil, errors.Wrap(err, "open exec fifo")
		}
		fifoFile = os.NewFile(uintptr(fd), l.FifoPath)
		cmd.ExtraFiles = append(cmd.ExtraFiles, fifoFile)
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", envFifo, 2+len(cmd.ExtraFiles)))
	}
	if l.ConsoleSocket != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, l.ConsoleSocket)
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", envConsoleSocket, 2+len(cmd.ExtraFiles)))
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: cloneFlags}

	if err := cmd.Start(); err != nil {
		crRead.Close()
		crWrite.Close()
		cwRead.Close()
		cwWrite.Close()
		logs.W.Close()
		if fifoFile != nil {
			fifoFile.Close()
		}
		return nil, errors.Wrap(err, "spawn bootstrap")
	}
	// child-side ends live in the child now
	crRead.Close()
	cwWrite.Close()
	logs.W.Close()
	if fifoFile != nil {
		fifoFile.Close()
	}

	proc := &Proc{Pid: cmd.Process.Pid, cmd: cmd, fifo: l.FifoPath, logs: logs}
	if err := l.handshake(proc, crWrite, cwRead, specJSON, procJSON, userns); err != nil {
		crWrite.Close()
		cwRead.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}
	crWrite.Close()
	cwRead.Close()
	return proc, nil
}

func (l *Launcher) handshake(proc *Proc, crWrite, cwRead *os.File, specJSON, procJSON []byte, userns bool) error {
	wfd := int(crWrite.Fd())
	rfd := int(cwRead.Fd())

	if err := syncmsg.WriteSync(wfd, syncmsg.SyncData, specJSON); err != nil {
		return errors.Wrap(err, "send oci spec")
	}
	if _, err := syncmsg.ReadSync(rfd); err != nil {
		return errors.Wrap(err, "spec ack")
	}
	if err := syncmsg.WriteSync(wfd, syncmsg.SyncData, procJSON); err != nil {
		return errors.Wrap(err, "send process")
	}
	if _, err := syncmsg.ReadSync(rfd); err != nil {
		return errors.Wrap(err, "process ack")
	}

	if userns {
		if err := writeIDMappings(proc.Pid, l.Spec.Linux); err != nil {
			return err
		}
	}
	if err := syncmsg.WriteSync(wfd, syncmsg.SyncSuccess, nil); err != nil {
		return errors.Wrap(err, "release id mappings")
	}

	if l.Init {
		if _, err := syncmsg.ReadSync(rfd); err != nil {
			return errors.Wrap(err, "setup complete")
		}
		if err := l.runHooks(proc.Pid); err != nil {
			return err
		}
		if err := syncmsg.WriteSync(wfd, syncmsg.SyncSuccess, nil); err != nil {
			return errors.Wrap(err, "release after hooks")
		}
	}

	if _, err := syncmsg.ReadSync(rfd); err != nil {
		return errors.Wrap(err, "ready")
	}
	return nil
}

func writeIDMappings(pid int, linux *specs.Linux) error {
	write := func(file string, mappings []specs.LinuxIDMapping) error {
		if len(mappings) == 0 {
			return nil
		}
		var buf bytes.Buffer
		for _, m := range mappings {
			fmt.Fprintf(&buf, "%d %d %d\n", m.ContainerID, m.HostID, m.Size)
		}
		path := fmt.Sprintf("/proc/%d/%s", pid, file)
		if err := os.WriteFile(path, buf.Bytes(), 0); err != nil {
			return errors.Wrapf(err, "write %s", path)
		}
		return nil
	}
	if err := write("uid_map", linux.UIDMappings); err != nil {
		return err
	}
	if len(linux.GIDMappings) > 0 {
		// setgroups must be denied before an unprivileged gid_map write
		path := fmt.Sprintf("/proc/%d/setgroups", pid)
		if err := os.WriteFile(path, []byte("deny"), 0); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "write %s", path)
		}
	}
	return write("gid_map", linux.GIDMappings)
}

// runHooks executes the createRuntime hooks with the container state on
// stdin, honoring per-hook timeouts.
func (l *Launcher) runHooks(pid int) error {
	if l.Spec.Hooks == nil {
		return nil
	}
	state := specs.State{
		Version: specs.Version,
		ID:      l.ID,
		Status:  specs.StateCreating,
		Pid:     pid,
	}
	if l.Spec.Root != nil {
		state.Bundle = l.Spec.Root.Path
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	for _, hook := range l.Spec.Hooks.CreateRuntime {
		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if hook.Timeout != nil {
			ctx, cancel = context.WithTimeout(ctx, time.Duration(*hook.Timeout)*time.Second)
		}
		var args []string
		if len(hook.Args) > 1 {
			args = hook.Args[1:]
		}
		cmd := exec.CommandContext(ctx, hook.Path, args...)
		cmd.Env = hook.Env
		cmd.Stdin = bytes.NewReader(stateJSON)
		err := cmd.Run()
		cancel()
		if err != nil {
			return errors.Wrapf(err, "hook %s", hook.Path)
		}
	}
	return nil
}

// SignalStart releases an init child blocked on the exec fifo.
func (p *Proc) SignalStart() error {
	if p.fifo == "" {
		return errors.New("no exec fifo")
	}
	fd, err := unix.Open(p.fifo, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "open exec fifo")
	}
	defer unix.Close(fd)
	if _, err := unix.Write(fd, []byte{0}); err != nil {
		return errors.Wrap(err, "write exec fifo")
	}
	return nil
}

// Signal delivers sig to the bootstrap process.
func (p *Proc) Signal(sig syscall.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Wait reaps the process and waits for the log stream to drain.
func (p *Proc) Wait() (int, error) {
	err := p.cmd.Wait()
	<-p.logs.Done
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}
