// Command ghostctl boots a kernel.Kernel in-process and exposes
// subcommands to poke at it for local debugging: spawn a process/task,
// inject an IRQ, and dump scheduler state. Modeled on the cobra+pflag CLI
// convention shared by moby-moby and rclone-rclone.
package main

import (
	"fmt"
	"os"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/spf13/cobra"

	"github.com/maxdev1/ghost-sub005/kernel"
	"github.com/maxdev1/ghost-sub005/pkg/bootinfo"
	"github.com/maxdev1/ghost-sub005/pkg/fsdesc"
	"github.com/maxdev1/ghost-sub005/pkg/klog"
	"github.com/maxdev1/ghost-sub005/pkg/proc"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var memoryMiB int

	log, _ := klog.NewMemorySink()
	k := kernel.New(log)
	k.Scheduler.AddCore(0, newDebugIdleTask())

	root := &cobra.Command{
		Use:   "ghostctl",
		Short: "boot and probe a kernel-core instance for local debugging",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return k.Initialize(syntheticSetup(memoryMiB))
		},
	}
	root.PersistentFlags().IntVar(&memoryMiB, "memory-mib", 64, "usable memory to hand the physical allocator, in MiB")

	root.AddCommand(newSpawnCmd(k), newIRQCmd(k), newPSCmd(k))
	return root
}

func newDebugIdleTask() *proc.Task {
	return proc.NewTask(0, proc.Kernel, 0, 0, 0, nil, 0, nil)
}

func syntheticSetup(memoryMiB int) *bootinfo.SetupInformation {
	const firstUsablePage = 4096
	length := uintptr(memoryMiB) * 1024 * 1024
	return &bootinfo.SetupInformation{
		MemoryMap: []bootinfo.MemoryRegion{
			{Start: firstUsablePage, Length: length, Kind: bootinfo.RegionUsable},
		},
		InitialHeapStart: 0xD0000000,
	}
}

// newSpawnCmd's flags bind directly into an OCI runtime-spec Process
// record — the same shape a container runtime hands a kernel's process
// launcher, reused here as the debug CLI's process-creation parameters
// (cwd and argv; no environment flag is bound). This kernel core has no
// ELF loader, so argv is only echoed in the spawn report.
func newSpawnCmd(k *kernel.Kernel) *cobra.Command {
	var p specs.Process
	var entry uint64
	var core int

	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "spawn a process and its first task",
		RunE: func(cmd *cobra.Command, args []string) error {
			proc_, err := k.SpawnProcess(p.Cwd, noVirtualNodes)
			if err != nil {
				return fmt.Errorf("spawn process: %w", err)
			}
			t := k.SpawnTask(core, proc_, proc.Application, uintptr(entry), 0x10000000, 16, 0x20000000)
			fmt.Printf("spawned process %d, task %d, argv=%v cwd=%q\n", proc_.PID, t.ID, p.Args, p.Cwd)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.Cwd, "cwd", "/", "working directory recorded on the new process")
	cmd.Flags().StringSliceVar(&p.Args, "arg", nil, "argv entries echoed in the spawn report (not passed to the task)")
	cmd.Flags().Uint64Var(&entry, "entry", 0x400000, "entry point virtual address")
	cmd.Flags().IntVar(&core, "core", 0, "core to enqueue the new task on")
	return cmd
}

func noVirtualNodes(int) (fsdesc.VirtualNode, bool) { return nil, false }

func newIRQCmd(k *kernel.Kernel) *cobra.Command {
	var core, vector int
	cmd := &cobra.Command{
		Use:   "irq",
		Short: "inject one interrupt vector into the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			k.Dispatch.Dispatch(core, k.Scheduler.Running(core), vector, &proc.CPUState{}, 0)
			return nil
		},
	}
	cmd.Flags().IntVar(&core, "core", 0, "core the interrupt is delivered on")
	cmd.Flags().IntVar(&vector, "vector", 0x20, "interrupt vector number")
	return cmd
}

func newPSCmd(k *kernel.Kernel) *cobra.Command {
	var cores int
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "dump each core's running task and ready-queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			for core := 0; core < cores; core++ {
				running := k.Scheduler.Running(core)
				fmt.Printf("core %d: running=%v ready=%d\n", core, taskID(running), k.Scheduler.ReadyLen(core))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cores, "cores", 1, "number of cores to report on")
	return cmd
}

func taskID(t *proc.Task) any {
	if t == nil {
		return nil
	}
	return t.ID
}
