package tool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const mib = 1024 * 1024

// ValidateToolExists passes when every argument names an existing file or
// an executable found on PATH.
func ValidateToolExists(_ context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("tool-exists: no tool given")
	}
	for _, a := range args {
		if strings.ContainsAny(a, `/\`) {
			if _, err := os.Stat(a); err != nil {
				return fmt.Errorf("tool-exists: %s not found", a)
			}
			continue
		}
		if _, err := exec.LookPath(a); err != nil {
			return fmt.Errorf("tool-exists: %s not on PATH", a)
		}
	}
	return nil
}

// ValidateFreeDiskSpace passes when the volume holding args[1] (default
// the temp dir) has at least args[0] MiB free.
func ValidateFreeDiskSpace(ctx context.Context, args []string) error {
	minMiB, err := minMiBArg("free-disk-space", args)
	if err != nil {
		return err
	}
	p := os.TempDir()
	if len(args) > 1 && args[1] != "" {
		p = args[1]
	}
	usage, err := disk.UsageWithContext(ctx, p)
	if err != nil {
		return fmt.Errorf("free-disk-space: reading usage of %s: %w", p, err)
	}
	if free := usage.Free / mib; free < minMiB {
		return fmt.Errorf("free-disk-space: %d MiB free on %s, need %d", free, p, minMiB)
	}
	return nil
}

// ValidateFreeMemory passes when at least args[0] MiB of memory is available.
func ValidateFreeMemory(ctx context.Context, args []string) error {
	minMiB, err := minMiBArg("free-memory", args)
	if err != nil {
		return err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("free-memory: %w", err)
	}
	if avail := vm.Available / mib; avail < minMiB {
		return fmt.Errorf("free-memory: %d MiB available, need %d", avail, minMiB)
	}
	return nil
}

// ValidateProcessRunning passes when a process named args[0] is running.
// The comparison ignores case and a trailing .exe.
func ValidateProcessRunning(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "" {
		return errors.New("process-running: no process name given")
	}
	want := normalizeProcessName(args[0])
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return fmt.Errorf("process-running: listing processes: %w", err)
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if normalizeProcessName(name) == want {
			return nil
		}
	}
	return fmt.Errorf("process-running: %s is not running", args[0])
}

func normalizeProcessName(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".exe")
}

func minMiBArg(name string, args []string) (uint64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%s: minimum MiB argument required", name)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(args[0]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q", name, args[0])
	}
	return n, nil
}
