package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/falconos/stage2/internal/addr"
	"github.com/falconos/stage2/internal/bootcfg"
	"github.com/falconos/stage2/internal/elfload"
	"github.com/falconos/stage2/internal/mkimage"
)

const stubKernelBase = addr.Virt(0xffff_ffff_8000_0000)

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	dir := fs.String("dir", "", "directory whose contents become the boot volume")
	out := fs.String("out", "boot.img", "output image path")
	size := fs.String("size", humanize.IBytes(mkimage.DefaultDiskSize), "disk size")
	spc := fs.Uint("spc", mkimage.DefaultSectorsPerCluster, "sectors per cluster")
	label := fs.String("label", mkimage.DefaultLabel, "volume label")
	stage2Path := fs.String("stage2", "", "second stage binary, written after the partition table")
	bootPath := fs.String("boot", "", "first stage boot sector, installed into the MBR (needs -stage2)")
	stubKernel := fs.Bool("stub-kernel", false, "add a kernel that halts at "+bootcfg.DefaultKernel+" when the volume has none")
	legacy := fs.Bool("legacy", false, "set the legacy BIOS bootable attribute on the partition")
	debug := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	diskSize, err := humanize.ParseBytes(*size)
	if err != nil {
		return fmt.Errorf("parse -size: %w", err)
	}
	if *spc == 0 || *spc > 128 {
		return fmt.Errorf("-spc must be between 1 and 128")
	}
	if *bootPath != "" && *stage2Path == "" {
		return fmt.Errorf("-boot needs -stage2")
	}

	var files []mkimage.File
	if *dir != "" {
		if files, err = mkimage.FromDir(*dir); err != nil {
			return err
		}
	}
	if *stubKernel && !hasFile(files, bootcfg.DefaultKernel) {
		files = append(files, mkimage.File{Path: bootcfg.DefaultKernel, Data: elfload.HaltKernel(stubKernelBase)})
		log.Info("added stub kernel", "path", bootcfg.DefaultKernel, "entry", stubKernelBase)
	}

	opts := mkimage.Options{
		DiskSize:          diskSize,
		SectorsPerCluster: uint8(*spc),
		Label:             *label,
		LegacyBootable:    *legacy,
	}
	if *stage2Path != "" {
		if opts.Stage2, err = os.ReadFile(*stage2Path); err != nil {
			return fmt.Errorf("read second stage: %w", err)
		}
	}

	img, err := mkimage.Build(files, opts)
	if err != nil {
		return err
	}

	if *bootPath != "" {
		boot, err := os.ReadFile(*bootPath)
		if err != nil {
			return fmt.Errorf("read boot sector: %w", err)
		}
		lba, err := mkimage.InstallBootSector(img, boot)
		if err != nil {
			return fmt.Errorf("install boot sector: %w", err)
		}
		log.Info("boot sector installed", "stage2_lba", lba)
	}

	if err := write(*out, img); err != nil {
		return err
	}
	log.Info("image written", "path", *out, "size", humanize.IBytes(uint64(len(img))), "files", len(files))
	return nil
}

func hasFile(files []mkimage.File, path string) bool {
	for _, f := range files {
		if f.Path == path {
			return true
		}
	}
	return false
}

func write(path string, img []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	bar := progressbar.DefaultBytes(int64(len(img)), "writing "+path)
	if _, err := io.Copy(io.MultiWriter(f, bar), bytes.NewReader(img)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mkimage: %v\n", err)
		os.Exit(1)
	}
}
