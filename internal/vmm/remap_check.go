//go:build !release

package vmm

// checkRemap makes Map refuse to overwrite a present leaf. Release builds
// drop the extra read; callers must still never remap.
const checkRemap = true
