// Package wasm runs WebAssembly workloads inside the container in place of
// a native binary.
package wasm

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Supported reports whether the interpreter runs on this architecture.
func Supported() bool {
	switch runtime.GOARCH {
	case "386", "amd64", "arm", "arm64", "riscv64":
		return true
	}
	return false
}

// IsWasm sniffs the wasm magic at the start of the file.
func IsWasm(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	magic := make([]byte, 4)
	if _, err := f.Read(magic); err != nil {
		return false
	}
	return string(magic) == "\x00asm"
}

// Run executes the module at path with WASI imports and returns the module
// exit code.
func Run(ctx context.Context, path string, args []string, env []string) (int, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return -1, errors.Wrapf(err, "wasm: read %s", path)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer rt.Close(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	cfg := wazero.NewModuleConfig().
		WithStdin(os.Stdin).
		WithStdout(os.Stdout).
		WithStderr(os.Stderr).
		WithArgs(args...)
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		cfg = cfg.WithEnv(k, v)
	}

	if _, err := rt.InstantiateWithConfig(ctx, code, cfg); err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok {
			return int(exitErr.ExitCode()), nil
		}
		return -1, errors.Wrapf(err, "wasm: run %s", path)
	}
	return 0, nil
}
