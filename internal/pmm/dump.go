package pmm

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// Dump writes the physical memory map to w. It does not touch allocator
// state.
func (a *Allocator) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "physical memory map: %d regions (capacity %d)\n", a.table.Len(), a.table.Cap()); err != nil {
		return err
	}
	for _, r := range a.table.regions {
		_, err := fmt.Fprintf(w, "\t[0x%010x - 0x%010x) size: 0x%010x %10s  %s\n",
			uint64(r.Start), uint64(r.End()), r.Size, humanize.IBytes(r.Size), r.Kind)
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "available memory: %s\n", humanize.IBytes(a.FreeBytes()))
	return err
}
