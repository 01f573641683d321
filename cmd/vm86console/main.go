// Command vm86console attaches a pty to a simulated VM86 helper task, for
// interactively exploring the legacy real-mode BIOS-call thread variant
// (spec.md section 4.6) without a full real-mode CPU emulator: each line
// typed into the attached terminal names a BIOS interrupt number and an
// AX value, and the console builds a VM86 task for it with
// proc.NewVM86Task, printing back the simulated result AX. No VM86 call
// is registered in the kernel's syscall table; this tool builds the task
// directly. Grounded on moby-moby's attach-style use of
// github.com/creack/pty for interactive terminal plumbing.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/creack/pty"

	"github.com/maxdev1/ghost-sub005/pkg/proc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vm86console:", err)
		os.Exit(1)
	}
}

func run() error {
	var nextID uint64 = 1
	flag.Parse()

	ptmx, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer ptmx.Close()
	defer tty.Close()

	fmt.Printf("vm86console: attach a terminal to %s\n", tty.Name())
	fmt.Fprintln(ptmx, "vm86console ready. Type: int <hex> ax=<hex>")

	scanner := bufio.NewScanner(ptmx)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}

		interrupt, ax, perr := parseCommand(line)
		if perr != nil {
			fmt.Fprintf(ptmx, "error: %v\n", perr)
			continue
		}

		nextID++
		result := runVM86(proc.TaskID(nextID), interrupt, ax)
		fmt.Fprintf(ptmx, "int %#02x -> ax=%#04x\n", interrupt, result.ResultRegs.EAX)
	}
	return scanner.Err()
}

// parseCommand reads "int <hex> ax=<hex>", e.g. "int 0x10 ax=0x0e41".
func parseCommand(line string) (interrupt uint8, ax uint32, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "int" {
		return 0, 0, fmt.Errorf(`expected "int <hex> ax=<hex>", got %q`, line)
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("parse interrupt number: %w", err)
	}
	axField, ok := strings.CutPrefix(fields[2], "ax=")
	if !ok {
		return 0, 0, fmt.Errorf(`expected "ax=<hex>" as the third field, got %q`, fields[2])
	}
	axVal, err := strconv.ParseUint(strings.TrimPrefix(axField, "0x"), 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse ax value: %w", err)
	}
	return uint8(n), uint32(axVal), nil
}

// runVM86 builds a VM86 thread with proc.NewVM86Task and resolves it
// synchronously: there is no real-mode CPU
// here to run the BIOS stub, so the result simply echoes the requested AX
// back, which is enough to exercise the thread-variant bookkeeping
// (spec.md section 4.6) interactively.
func runVM86(id proc.TaskID, interrupt uint8, ax uint32) *proc.VM86State {
	requested := proc.CPUState{EAX: uintptr(ax)}
	task := proc.NewVM86Task(id, 0x20000000, nil, requested, interrupt)
	task.VM86.ResultRegs = proc.CPUState{EAX: uintptr(ax)}
	task.VM86.Done = true
	return task.VM86
}
