// Package bootcfg parses the boot configuration file: one key=value pair per
// line, '#' starts a comment.
//
//	kernel=/boot/kernel.elf
//	module=/boot/initrd.img
//	identity_map=8MiB
//	verbose=true
package bootcfg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultPath is where the boot stage looks for its configuration.
	DefaultPath = "/boot/boot.cfg"

	// DefaultKernel is loaded when the volume carries no configuration.
	DefaultKernel = "/boot/kernel.elf"

	DefaultIdentityMap = 4 << 20
)

var (
	ErrSyntax     = errors.New("bootcfg: syntax error")
	ErrUnknownKey = errors.New("bootcfg: unknown key")
	ErrNoKernel   = errors.New("bootcfg: no kernel configured")
)

type Config struct {
	Kernel  string
	Modules []string

	// IdentityMap is how many bytes of low memory stay identity mapped.
	IdentityMap uint64
	Verbose     bool
}

// Default is the configuration used when DefaultPath does not exist.
func Default() *Config {
	return &Config{Kernel: DefaultKernel, IdentityMap: DefaultIdentityMap}
}

func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{IdentityMap: DefaultIdentityMap}

	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: missing '='", ErrSyntax, line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if err := cfg.set(key, value); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read boot config: %w", err)
	}

	if cfg.Kernel == "" {
		return nil, ErrNoKernel
	}
	return cfg, nil
}

func (c *Config) set(key, value string) error {
	switch key {
	case "kernel", "module":
		if !strings.HasPrefix(value, "/") {
			return fmt.Errorf("%w: %s must be an absolute path, got %q", ErrSyntax, key, value)
		}
		if key == "kernel" {
			c.Kernel = value
		} else {
			c.Modules = append(c.Modules, value)
		}
	case "identity_map":
		n, err := humanize.ParseBytes(value)
		if err != nil {
			return fmt.Errorf("%w: identity_map: %w", ErrSyntax, err)
		}
		c.IdentityMap = n
	case "verbose":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: verbose: %w", ErrSyntax, err)
		}
		c.Verbose = v
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}
