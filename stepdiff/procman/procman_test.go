package procman

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	procs      map[string][]Process
	terminated []int
	failPid    int
}

func (m *fakeManager) List(name string) ([]Process, error) {
	return m.procs[name], nil
}

func (m *fakeManager) Terminate(pid int) error {
	if pid == m.failPid {
		return errors.New("operation not permitted")
	}
	m.terminated = append(m.terminated, pid)
	return nil
}

func TestKillByName(t *testing.T) {
	m := &fakeManager{procs: map[string][]Process{
		"qemu-riscv64": {{Pid: 10, Name: "qemu-riscv64"}, {Pid: 11, Name: "qemu-riscv64"}},
	}}

	n, err := KillByName(m, "qemu-riscv64")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{10, 11}, m.terminated)

	n, err = KillByName(m, "gdb")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestKillByNameContinuesAfterError(t *testing.T) {
	m := &fakeManager{
		procs: map[string][]Process{"qemu": {
			{Pid: 1, Name: "qemu"},
			{Pid: 2, Name: "qemu"},
			{Pid: 3, Name: "qemu"},
		}},
		failPid: 1,
	}
	n, err := KillByName(m, "qemu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pid 1")
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{2, 3}, m.terminated)
}

// writeProc fakes /proc/<pid> with the given comm and argv.
func writeProc(t *testing.T, root string, pid int, comm, cmdline string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0644))
}

func TestSystemList(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 100, "qemu-riscv64", "qemu-riscv64\x00-g\x001234\x00./target\x00")
	writeProc(t, root, 101, "bash", "/bin/bash\x00")
	// comm truncated by the kernel, full name only in argv[0]
	writeProc(t, root, 102, "riscv64-unknown", "/opt/riscv/bin/riscv64-unknown-elf-gdb\x00")
	writeProc(t, root, os.Getpid(), "qemu-riscv64", "qemu-riscv64\x00")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys"), 0755))

	s := &System{Root: root}

	procs, err := s.List("qemu-riscv64")
	require.NoError(t, err)
	assert.Equal(t, []Process{{Pid: 100, Name: "qemu-riscv64"}}, procs)

	procs, err = s.List("riscv64-unknown-elf-gdb")
	require.NoError(t, err)
	assert.Equal(t, []Process{{Pid: 102, Name: "riscv64-unknown-elf-gdb"}}, procs)

	procs, err = s.List("qemu")
	require.NoError(t, err)
	assert.Empty(t, procs, "names must match exactly")
}

func TestSystemTerminate(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skip("sleep not available:", err)
	}
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	s := NewSystem()
	require.NoError(t, s.Terminate(cmd.Process.Pid))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not terminated")
	}

	// already gone
	assert.NoError(t, s.Terminate(cmd.Process.Pid))
}
