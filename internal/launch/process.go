// Package launch builds and starts the QEMU child process: argv and
// environment assembly, a bidirectional QMP pipe spliced onto the child's
// own stdin/stdout (QEMU is told "-qmp stdio"), privilege drop, and the
// RLIMIT_MEMLOCK adjustment real-time pinning depends on.
package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"
)

// Spec describes the child process to spawn. Argv must already include the
// trailing "-qmp stdio" pair; this package does not append it so the
// caller's argv stays exactly traceable to what [internal/argv] produced
// plus that one fixed suffix.
type Spec struct {
	Binary        string
	Argv          []string
	ClearEnv      bool
	Env           map[string]string
	User          *int
	Group         *int
	RlimitMemlock bool
}

// Process is a started child together with the pipe ends the launcher uses
// to speak QMP to it.
type Process struct {
	Cmd *exec.Cmd

	// QMPReader reads QEMU's replies and events; QMPWriter sends commands.
	// Both are this end of os.Pipe() pairs spliced onto the child's stdout
	// and stdin respectively.
	QMPReader *os.File
	QMPWriter *os.File
}

// Spawn builds and starts the child process described by spec.
func Spawn(ctx context.Context, spec Spec) (*Process, error) {
	if spec.RlimitMemlock {
		if err := setMemlockUnlimited(); err != nil {
			return nil, &Error{Op: "rlimit_memlock", Err: err}
		}
	}

	childStdin, writeToChild, err := os.Pipe()
	if err != nil {
		return nil, &Error{Op: "pipe", Err: err}
	}

	readFromChild, childStdout, err := os.Pipe()
	if err != nil {
		childStdin.Close()
		writeToChild.Close()

		return nil, &Error{Op: "pipe", Err: err}
	}

	cmd := exec.CommandContext(ctx, spec.Binary, spec.Argv...)
	cmd.Stdin = childStdin
	cmd.Stdout = childStdout
	cmd.Stderr = os.Stderr
	cmd.Env = buildEnv(spec.ClearEnv, spec.Env)

	if spec.User != nil || spec.Group != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: credentialFor(spec.User, spec.Group)}
	}

	if err := cmd.Start(); err != nil {
		childStdin.Close()
		writeToChild.Close()
		readFromChild.Close()
		childStdout.Close()

		return nil, &Error{Op: "start", Err: err}
	}

	// The child has its own duplicated copies of these ends; the parent's
	// copies would otherwise keep the pipes open after the child exits.
	childStdin.Close()
	childStdout.Close()

	return &Process{Cmd: cmd, QMPReader: readFromChild, QMPWriter: writeToChild}, nil
}

// Kill terminates the child and releases the QMP pipe ends.
func (p *Process) Kill() error {
	p.QMPReader.Close()
	p.QMPWriter.Close()

	if p.Cmd.Process == nil {
		return nil
	}

	return p.Cmd.Process.Kill()
}

// Wait blocks until the child exits and returns its exit code.
func (p *Process) Wait() (int, error) {
	err := p.Cmd.Wait()

	p.QMPReader.Close()
	p.QMPWriter.Close()

	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}

	return 1, &Error{Op: "wait", Err: err}
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee

		return true
	}

	return false
}

func credentialFor(user, group *int) *syscall.Credential {
	cred := &syscall.Credential{}
	if user != nil {
		cred.Uid = uint32(*user)
	}

	if group != nil {
		cred.Gid = uint32(*group)
	}

	return cred
}

// setMemlockUnlimited raises RLIMIT_MEMLOCK on the launcher's own process
// before Start: rlimits are inherited across fork/exec, so this is the only
// way to affect the child's limit without a cgroup or capability grant.
func setMemlockUnlimited() error {
	limit := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}

	return unix.Setrlimit(unix.RLIMIT_MEMLOCK, &limit)
}

func buildEnv(clear bool, overrides map[string]string) []string {
	var env []string
	if !clear {
		env = append(env, os.Environ()...)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, overrides[k]))
	}

	return env
}
