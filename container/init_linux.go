package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"

	"github.com/hikaen/go-microvm/pkg/console"
	"github.com/hikaen/go-microvm/pkg/mount"
	"github.com/hikaen/go-microvm/pkg/rlimit"
	"github.com/hikaen/go-microvm/pkg/seccomp"
	"github.com/hikaen/go-microvm/pkg/syncmsg"
	"github.com/hikaen/go-microvm/pkg/wasm"
)

// InitChild is the entry point of the re-executed bootstrap process. It
// never returns: the process either becomes the container workload or
// exits after reporting the failure on the sync channel.
//
// Before the sync channel is known there is nobody to report to, so those
// failures abort silently. Once the channel is up, every setup failure is
// written back as a sync error and the process exits cleanly so the parent
// sees the report, not the exit status.
func InitChild() {
	env, err := ReadBootstrapEnv()
	if err != nil {
		os.Exit(1)
	}
	logger := newChildLogger(env.Clog)

	if err := doInitChild(env, logger); err != nil {
		logger.WithError(err).Error("bootstrap failed")
		syncmsg.WriteSync(env.Cwfd, syncmsg.SyncFailed, []byte(err.Error()))
		os.Exit(0)
	}
	// doInitChild only returns on failure
	os.Exit(0)
}

func doInitChild(env *BootstrapEnv, logger *logrus.Entry) error {
	buf, err := syncmsg.ReadSync(env.Crfd)
	if err != nil {
		return errors.Wrap(err, "read oci spec")
	}
	var spec specs.Spec
	if err := json.Unmarshal(buf, &spec); err != nil {
		return errors.Wrap(err, "decode oci spec")
	}
	if err := syncmsg.WriteSync(env.Cwfd, syncmsg.SyncSuccess, nil); err != nil {
		return err
	}

	buf, err = syncmsg.ReadSync(env.Crfd)
	if err != nil {
		return errors.Wrap(err, "read process")
	}
	var process specs.Process
	if err := json.Unmarshal(buf, &process); err != nil {
		return errors.Wrap(err, "decode process")
	}
	if err := syncmsg.WriteSync(env.Cwfd, syncmsg.SyncSuccess, nil); err != nil {
		return err
	}

	// the parent writes the id mappings while we block here
	if _, err := syncmsg.ReadSync(env.Crfd); err != nil {
		return errors.Wrap(err, "wait for id mappings")
	}

	if err := setupProcess(env, &spec, &process, logger); err != nil {
		return err
	}

	if env.Init {
		// setup done, let the parent run its hooks
		if err := syncmsg.WriteSync(env.Cwfd, syncmsg.SyncSuccess, nil); err != nil {
			return err
		}
		if _, err := syncmsg.ReadSync(env.Crfd); err != nil {
			return errors.Wrap(err, "wait for hooks")
		}
	}

	if err := syncmsg.WriteSync(env.Cwfd, syncmsg.SyncSuccess, nil); err != nil {
		return err
	}
	unix.Close(env.Crfd)
	unix.Close(env.Cwfd)

	if env.Init && env.Fifo >= 0 {
		if err := waitForStart(env.Fifo); err != nil {
			return err
		}
	}

	return execWorkload(&process, logger)
}

func setupProcess(env *BootstrapEnv, spec *specs.Spec, process *specs.Process, logger *logrus.Entry) error {
	if process.OOMScoreAdj != nil {
		v := fmt.Sprintf("%d", *process.OOMScoreAdj)
		if err := os.WriteFile("/proc/self/oom_score_adj", []byte(v), 0); err != nil {
			return errors.Wrap(err, "set oom_score_adj")
		}
	}

	limits, err := rlimit.FromSpec(process.Rlimits)
	if err != nil {
		return err
	}
	if err := rlimit.Apply(limits); err != nil {
		return err
	}

	rootfs := "/"
	if spec.Root != nil {
		rootfs = spec.Root.Path
	}
	if env.Init && rootfs != "/" {
		if err := mount.PrepareRoot(rootfs); err != nil {
			return err
		}
	}
	for i := range spec.Mounts {
		m := mount.FromSpec(rootfs, &spec.Mounts[i])
		if err := m.Mount(); err != nil {
			return errors.Wrapf(err, "mount %v", m)
		}
	}

	if env.Init {
		if rootfs != "/" {
			if env.NoPivot {
				err = mount.MoveRoot(rootfs)
			} else {
				err = mount.PivotRoot(rootfs)
			}
			if err != nil {
				return err
			}
		}
		if spec.Linux != nil {
			for k, v := range spec.Linux.Sysctl {
				if err := writeSysctl(k, v); err != nil {
					return err
				}
			}
		}
		if spec.Hostname != "" {
			if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
				return errors.Wrap(err, "set hostname")
			}
		}
	}

	if process.Cwd != "" {
		if err := os.Chdir(process.Cwd); err != nil {
			return errors.Wrapf(err, "chdir %s", process.Cwd)
		}
	}

	if process.Terminal && env.ConsoleSocket >= 0 {
		if err := console.Setup(env.ConsoleSocket); err != nil {
			return err
		}
	}

	if err := setIDs(process); err != nil {
		return err
	}
	if process.NoNewPrivileges {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			return errors.Wrap(err, "set no_new_privs")
		}
	}
	if process.Capabilities != nil {
		if err := applyCapabilities(process.Capabilities); err != nil {
			return err
		}
	}

	// seccomp last so setup syscalls are unrestricted
	if spec.Linux != nil && spec.Linux.Seccomp != nil {
		if err := seccomp.Load(spec.Linux.Seccomp); err != nil {
			return err
		}
		logger.Debug("seccomp filter loaded")
	}
	return nil
}

func writeSysctl(key, value string) error {
	path := "/proc/sys/" + strings.Replace(key, ".", "/", -1)
	if err := os.WriteFile(path, []byte(value), 0); err != nil {
		return errors.Wrapf(err, "sysctl %s", key)
	}
	return nil
}

func setIDs(process *specs.Process) error {
	user := process.User
	gids := make([]int, 0, len(user.AdditionalGids))
	for _, g := range user.AdditionalGids {
		gids = append(gids, int(g))
	}
	if len(gids) > 0 {
		if err := unix.Setgroups(gids); err != nil {
			return errors.Wrap(err, "setgroups")
		}
	}
	if err := unix.Setgid(int(user.GID)); err != nil {
		return errors.Wrap(err, "setgid")
	}
	if err := unix.Setuid(int(user.UID)); err != nil {
		return errors.Wrap(err, "setuid")
	}
	return nil
}

var capNames = func() map[string]capability.Cap {
	m := make(map[string]capability.Cap)
	for _, c := range capability.List() {
		m["CAP_"+strings.ToUpper(c.String())] = c
	}
	return m
}()

func applyCapabilities(caps *specs.LinuxCapabilities) error {
	pid, err := capability.NewPid2(0)
	if err != nil {
		return errors.Wrap(err, "init capabilities")
	}
	sets := []struct {
		which capability.CapType
		names []string
	}{
		{capability.BOUNDING, caps.Bounding},
		{capability.EFFECTIVE, caps.Effective},
		{capability.PERMITTED, caps.Permitted},
		{capability.INHERITABLE, caps.Inheritable},
		{capability.AMBIENT, caps.Ambient},
	}
	for _, set := range sets {
		for _, name := range set.names {
			c, ok := capNames[name]
			if !ok {
				return errors.Errorf("unknown capability %q", name)
			}
			pid.Set(set.which, c)
		}
	}
	if err := pid.Apply(capability.CAPS | capability.BOUNDS | capability.AMBS); err != nil {
		return errors.Wrap(err, "apply capabilities")
	}
	return nil
}

// waitForStart blocks on the exec fifo until the launcher releases the
// workload. The fifo is reopened through proc so the blocking open happens
// after setup, not at spawn.
func waitForStart(fifoFd int) error {
	path := fmt.Sprintf("/proc/self/fd/%d", fifoFd)
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "open exec fifo")
	}
	unix.Close(fifoFd)
	buf := make([]byte, 1)
	if _, err := unix.Read(fd, buf); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "read exec fifo")
	}
	unix.Close(fd)
	return nil
}

func execWorkload(process *specs.Process, logger *logrus.Entry) error {
	if len(process.Args) == 0 {
		return errors.New("empty workload args")
	}
	name, err := lookPath(process.Args[0], process.Env)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", process.Args[0])
	}

	// The architecture gate has to sit here, not before setup: the
	// workload file is only readable once the rootfs is in place, and
	// bailing out earlier would abandon the launcher mid-handshake.
	if wasm.IsWasm(name) {
		if !wasm.Supported() {
			logger.WithField("arch", runtime.GOARCH).Warn("wasm workload not supported on this architecture")
			os.Exit(0)
		}
		code, err := wasm.Run(context.Background(), name, process.Args, process.Env)
		if err != nil {
			return err
		}
		os.Exit(code)
	}

	if err := unix.Exec(name, process.Args, process.Env); err != nil {
		return errors.Wrapf(err, "exec %s", name)
	}
	return nil
}
