package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/falconos/stage2/internal/console"
	"github.com/falconos/stage2/internal/machine"
	"github.com/falconos/stage2/internal/pmm"
	"github.com/falconos/stage2/internal/stage2"
)

// errHalted means the halt banner has already been printed.
var errHalted = errors.New("boot halted")

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	machinePath := fs.String("machine", "", "machine description (YAML)")
	diskPath := fs.String("disk", "", "boot disk image, overrides the machine description")
	template := fs.String("template", "", "write a machine description template to this path and exit")
	debug := fs.Bool("debug", false, "enable debug logging")
	quiet := fs.Bool("quiet", false, "do not show boot progress")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags]\n\nRuns the boot stage on a simulated machine.\n\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *template != "" {
		return machine.WriteTemplate(*template, machine.Description{Disk: "boot.img"})
	}

	var desc machine.Description
	if *machinePath != "" {
		d, err := machine.Load(*machinePath)
		if err != nil {
			return err
		}
		desc = d
	}
	if *diskPath != "" {
		desc.Disk = *diskPath
	}
	if desc.Disk == "" {
		return fmt.Errorf("no boot disk: pass -disk or a machine description naming one")
	}

	m, err := machine.New(desc, machine.WithLogger(log))
	if err != nil {
		return err
	}
	defer m.Close()

	con := console.New(os.Stdout)
	con.Printf("falcon stage2: %s, %s of memory, %s loader\n",
		m.Description.Name, humanize.IBytes(uint64(m.Description.Memory)), m.Info.Loader)

	opts := []stage2.Option{stage2.WithLogger(log), stage2.WithConsole(con)}
	var bar *progressbar.ProgressBar
	if !*quiet && !*debug {
		bar = progressbar.Default(int64(len(stage2.Phases)), "booting")
		opts = append(opts, stage2.WithProgress(func(p stage2.Phase) {
			bar.Describe(string(p))
			bar.Add(1)
		}))
	}

	var rec stage2.Recorder
	res, err := stage2.Run(m.Memory, m.Disk, m.Info.Addr, &rec, opts...)
	if bar != nil {
		bar.Exit()
	}
	if err != nil {
		con.Halt(err)
		return errHalted
	}

	report(con, m, res)
	return nil
}

func report(con *console.Console, m *machine.Machine, res *stage2.Result) {
	con.Println()
	con.Printf("kernel %s, entry %s\n", res.Config.Kernel, res.Handoff.Entry)
	rows := [][]string{{"virtual", "physical", "size", "flags"}}
	for _, seg := range res.Kernel.Segments {
		perm := "r"
		if seg.Writable {
			perm += "w"
		}
		if seg.Executable {
			perm += "x"
		}
		rows = append(rows, []string{seg.Virt.String(), seg.Phys.String(), humanize.IBytes(seg.Length), perm})
	}
	for _, mod := range res.Modules {
		rows = append(rows, []string{"-", mod.Addr.String(), humanize.IBytes(uint64(mod.Size)), mod.Path})
	}
	con.Table(rows)

	if m.Info.ACPI != 0 {
		tables, err := machine.ReadACPI(m.Memory, m.Info.ACPI)
		if err != nil {
			con.Printf("acpi: %v\n", err)
		} else {
			con.Printf("acpi: RSDP %s,", m.Info.ACPI)
			for _, t := range tables {
				con.Printf(" %s@%s", t.Signature, t.Addr)
			}
			con.Println()
		}
	}

	con.Printf("page tables: root %s, %d pages (%s)\n", res.Handoff.Root, res.Tables, humanize.IBytes(uint64(res.Tables)*4096))
	if !res.Config.Verbose {
		dumpMemory(con, res.Memory)
	}
	con.Printf("handoff: cr3=%s entry=%s bootinfo=%s\n", res.Handoff.Root, res.Handoff.Entry, res.Handoff.BootInfo)
}

func main() {
	if err := run(); err != nil {
		if !errors.Is(err, errHalted) {
			fmt.Fprintf(os.Stderr, "stage2: %v\n", err)
		}
		os.Exit(1)
	}
}

func dumpMemory(con *console.Console, frames *pmm.Allocator) {
	if err := frames.Dump(con); err != nil {
		con.Printf("memory map: %v\n", err)
	}
}
