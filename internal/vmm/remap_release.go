//go:build release

package vmm

const checkRemap = false
