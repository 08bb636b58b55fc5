package fs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/falconos/stage2/internal/addr"
	"github.com/falconos/stage2/internal/bootinfo"
	"github.com/falconos/stage2/internal/disk"
	"github.com/falconos/stage2/internal/fat"
	"github.com/falconos/stage2/internal/gpt"
	"github.com/falconos/stage2/internal/mkimage"
	"github.com/falconos/stage2/internal/physmem"
	"github.com/falconos/stage2/internal/pmm"
)

const memSize = 8 << 20

var bigFile = bytes.Repeat([]byte("0123456789abcdef"), 700) // 11200 bytes

func testFiles() []mkimage.File {
	return []mkimage.File{
		{Path: "/boot/kernel.elf", Data: bigFile},
		{Path: "/boot/modules/initrd.img", Data: []byte("initrd contents")},
		{Path: "/config.txt", Data: []byte("kernel=/boot/kernel.elf\n")},
		{Path: "/empty.txt"},
		{Path: "/efi", Dir: true},
	}
}

type env struct {
	fs     *FS
	frames *pmm.Allocator
	mem    *physmem.Buffer
}

func mount(t *testing.T, files []mkimage.File, opts mkimage.Options) env {
	t.Helper()
	if opts.DiskSize == 0 {
		opts.DiskSize = 8 << 20
	}
	if opts.SectorsPerCluster == 0 {
		opts.SectorsPerCluster = 1
	}
	img, err := mkimage.Build(files, opts)
	if err != nil {
		t.Fatalf("build image: %v", err)
	}

	mem := physmem.New(memSize)
	frames := pmm.New()
	info := &bootinfo.Info{
		Addr:      0x7000,
		MemoryMap: []bootinfo.Entry{{Start: 0, Size: memSize, Tag: bootinfo.TagFree}},
	}
	if err := frames.Init(info); err != nil {
		t.Fatalf("pmm init: %v", err)
	}

	f, err := Mount(disk.Bytes(img), frames, mem)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	return env{fs: f, frames: frames, mem: mem}
}

func TestMountAllocatesReclaimableBuffers(t *testing.T) {
	e := mount(t, testFiles(), mkimage.Options{})

	if e.fs.Partition().FirstLBA != mkimage.PartitionLBA {
		t.Fatalf("partition = %+v", e.fs.Partition())
	}
	if e.fs.Label() != mkimage.DefaultLabel {
		t.Fatalf("label = %q", e.fs.Label())
	}

	var reclaimable uint64
	for _, r := range e.frames.Regions() {
		if r.Kind == pmm.FirmwareReclaimable {
			reclaimable += r.Size
		}
	}
	if reclaimable == 0 {
		t.Fatalf("no reclaimable regions after mount: %v", e.frames.Regions())
	}
}

func TestFind(t *testing.T) {
	e := mount(t, testFiles(), mkimage.Options{})

	for _, tc := range []struct {
		path  string
		found bool
		dir   bool
		size  uint32
	}{
		{path: "/", found: true, dir: true},
		{path: "/config.txt", found: true, size: 24},
		{path: "/CONFIG.TXT", found: true, size: 24},
		{path: "/boot", found: true, dir: true},
		{path: "/boot/", found: true, dir: true},
		{path: "/boot/kernel.elf", found: true, size: uint32(len(bigFile))},
		{path: "//boot//Kernel.Elf", found: true, size: uint32(len(bigFile))},
		{path: "/boot/modules/initrd.img", found: true, size: 15},
		{path: "/boot/modules/../kernel.elf", found: true, size: uint32(len(bigFile))},
		{path: "/boot/modules/../../config.txt", found: true, size: 24},
		{path: "/efi", found: true, dir: true},
		{path: "/missing"},
		{path: "/boot/missing.elf"},
		{path: "/config.txt/nested"},
		{path: "/FALCON"},
	} {
		info, err := e.fs.Find(tc.path)
		if err != nil {
			t.Errorf("Find(%q): %v", tc.path, err)
			continue
		}
		if info.Found != tc.found || info.Dir != tc.dir || info.Size != tc.size {
			t.Errorf("Find(%q) = %+v, want found=%t dir=%t size=%d", tc.path, info, tc.found, tc.dir, tc.size)
		}
	}
}

func TestFindRejectsBadPaths(t *testing.T) {
	e := mount(t, testFiles(), mkimage.Options{})

	if _, err := e.fs.Find("boot/kernel.elf"); !errors.Is(err, ErrRelativePath) {
		t.Fatalf("relative path: got %v", err)
	}
	if _, err := e.fs.Find("/boot/averyveryverylongname"); !errors.Is(err, ErrBadPath) {
		t.Fatalf("long component: got %v", err)
	}
}

func TestReadMultiClusterFile(t *testing.T) {
	e := mount(t, testFiles(), mkimage.Options{})

	info, err := e.fs.Find("/boot/kernel.elf")
	if err != nil || !info.Found {
		t.Fatalf("find: %+v, %v", info, err)
	}
	dst, err := e.frames.Allocate(uint64(info.Size), pmm.Used)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	// Canary right after the file must survive the read.
	end := int(dst) + len(bigFile)
	e.mem.Bytes()[end] = 0x5A

	if err := e.fs.Read(info, dst); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(e.mem.Bytes()[dst:end], bigFile) {
		t.Fatal("file contents mismatch")
	}
	if e.mem.Bytes()[end] != 0x5A {
		t.Fatal("read wrote past the end of the file")
	}
}

func TestReadFile(t *testing.T) {
	e := mount(t, testFiles(), mkimage.Options{})

	at, info, err := e.fs.ReadFile("/boot/modules/initrd.img", pmm.KernelModule)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if got := string(e.mem.Bytes()[at : at+addr.Phys(info.Size)]); got != "initrd contents" {
		t.Fatalf("contents = %q", got)
	}

	var tagged bool
	for _, r := range e.frames.Regions() {
		if r.Start == at && r.Kind == pmm.KernelModule {
			tagged = true
		}
	}
	if !tagged {
		t.Fatalf("module buffer not tagged: %v", e.frames.Regions())
	}

	for path, want := range map[string]error{
		"/nope":      ErrNotFound,
		"/boot":      ErrIsDir,
		"/empty.txt": ErrEmptyFile,
	} {
		if _, _, err := e.fs.ReadFile(path, pmm.Used); !errors.Is(err, want) {
			t.Errorf("ReadFile(%q): got %v, want %v", path, err, want)
		}
	}
	if err := e.fs.Read(FileInfo{}, 0x100000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read of missing file: got %v", err)
	}
}

func TestMountFindsLegacyBootablePartition(t *testing.T) {
	img, err := mkimage.Build(testFiles(), mkimage.Options{DiskSize: 8 << 20, SectorsPerCluster: 1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	retype(t, img, func(p *gpt.Partition) {
		p.Type = gpt.GUID{0xaf, 0x3d, 0xc6, 0x0f}
		p.Attributes = gpt.AttrLegacyBIOSBootable
	})
	if _, err := mountImage(t, img); err != nil {
		t.Fatalf("mount legacy bootable: %v", err)
	}

	retype(t, img, func(p *gpt.Partition) { p.Attributes = 0 })
	if _, err := mountImage(t, img); !errors.Is(err, ErrNoBootPartition) {
		t.Fatalf("mount without bootable partition: got %v", err)
	}
}

func TestMountRejectsNonFAT16(t *testing.T) {
	img, err := mkimage.Build(testFiles(), mkimage.Options{DiskSize: 8 << 20, SectorsPerCluster: 1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// Shrink the volume below the FAT16 cluster window.
	boot := img[mkimage.PartitionLBA*disk.SectorSize:]
	bpb, err := fat.ParseBPB(boot)
	if err != nil {
		t.Fatalf("bpb: %v", err)
	}
	bpb.TotalSectors = bpb.FirstDataSector() + fat.MinClusters - 1
	copy(boot, bpb.Encode())

	if _, err := mountImage(t, img); !errors.Is(err, ErrNotFAT16) {
		t.Fatalf("got %v, want ErrNotFAT16", err)
	}
}

func TestReadDetectsBrokenChain(t *testing.T) {
	img, err := mkimage.Build(testFiles(), mkimage.Options{DiskSize: 8 << 20, SectorsPerCluster: 1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	f, err := mountImage(t, img)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	info, err := f.Find("/boot/kernel.elf")
	if err != nil || !info.Found {
		t.Fatalf("find: %+v %v", info, err)
	}

	link := func(c, next uint16) {
		t.Helper()
		if err := physmem.WriteUint16(f.mem, f.fatAddr+addr.Phys(2*uint64(c)), next); err != nil {
			t.Fatalf("patch fat: %v", err)
		}
	}

	// Terminate the chain after the first cluster.
	link(info.FirstCluster, 0xFFFF)
	if err := f.Read(info, 0x400000); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("short chain: got %v", err)
	}

	// Link to a reserved cluster number.
	link(info.FirstCluster, 1)
	if err := f.Read(info, 0x400000); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("chain into reserved cluster: got %v", err)
	}

	if err := f.Read(FileInfo{Found: true, Size: 10, FirstCluster: 0}, 0x400000); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("file without clusters: got %v", err)
	}
}

func TestLookupsReadPhysicalMemory(t *testing.T) {
	e := mount(t, testFiles(), mkimage.Options{})

	info, err := e.fs.Find("/boot/modules/initrd.img")
	if err != nil || !info.Found {
		t.Fatalf("find initrd: %+v %v", info, err)
	}
	// The last directory searched sits in the scratch buffer.
	dir := make([]byte, e.fs.scratchSize)
	if _, err := e.mem.ReadAt(dir, int64(e.fs.scratch)); err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	name, _ := fat.ShortName("initrd.img")
	if !bytes.Contains(dir, name[:]) {
		t.Fatalf("scratch buffer at %s does not hold the modules directory", e.fs.scratch)
	}

	// Rewriting the root directory in memory changes what Find sees.
	_, root, _ := e.fs.root.Outer()
	raw := make([]byte, e.fs.root.Size())
	if _, err := e.mem.ReadAt(raw, root); err != nil {
		t.Fatalf("read root: %v", err)
	}
	cfg, _ := fat.ShortName("config.txt")
	i := bytes.Index(raw, cfg[:])
	if i < 0 || i%fat.DirEntrySize != 0 {
		t.Fatalf("config.txt entry not found in the root directory buffer")
	}
	if _, err := e.mem.WriteAt([]byte("CONFIG  BAK"), root+int64(i)); err != nil {
		t.Fatalf("patch root: %v", err)
	}
	if info, err := e.fs.Find("/config.txt"); err != nil || info.Found {
		t.Fatalf("find after patch: %+v %v", info, err)
	}
	if info, err := e.fs.Find("/config.bak"); err != nil || !info.Found {
		t.Fatalf("find renamed entry: %+v %v", info, err)
	}

	// So does rewriting the FAT.
	kernel, err := e.fs.Find("/boot/kernel.elf")
	if err != nil || !kernel.Found {
		t.Fatalf("find kernel: %+v %v", kernel, err)
	}
	if err := physmem.WriteUint16(e.mem, e.fs.fatAddr+addr.Phys(2*uint64(kernel.FirstCluster)), fat.BadCluster); err != nil {
		t.Fatalf("patch fat: %v", err)
	}
	if err := e.fs.Read(kernel, 0x400000); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("read through bad cluster: got %v", err)
	}
}

func retype(t *testing.T, img []byte, mutate func(*gpt.Partition)) {
	t.Helper()
	hdr, err := gpt.ParseHeader(img[gpt.HeaderLBA*disk.SectorSize:])
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	entries := img[hdr.EntriesLBA*disk.SectorSize:][:hdr.EntriesBytes()]
	p := gpt.ParsePartition(entries)
	mutate(&p)
	p.Encode(entries)
	hdr.EntriesCRC = gpt.ChecksumEntries(entries)
	copy(img[gpt.HeaderLBA*disk.SectorSize:], hdr.Encode())
}

func mountImage(t *testing.T, img []byte) (*FS, error) {
	t.Helper()
	frames := pmm.New()
	info := &bootinfo.Info{
		Addr:      0x7000,
		MemoryMap: []bootinfo.Entry{{Start: 0, Size: memSize, Tag: bootinfo.TagFree}},
	}
	if err := frames.Init(info); err != nil {
		t.Fatalf("pmm init: %v", err)
	}
	return Mount(disk.Bytes(img), frames, physmem.New(memSize))
}
