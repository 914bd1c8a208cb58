package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// OpenFunc opens a device for a driver from parsed arguments.
type OpenFunc func(ctx context.Context, args Args) (Device, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]OpenFunc{}
)

// Register makes a driver available to Open. Registering the same name twice
// replaces the earlier entry.
func Register(name string, open OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = open
}

// Drivers lists the registered driver names in sorted order.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open parses argStr and opens the device named by its driver key.
func Open(ctx context.Context, argStr string) (Device, error) {
	args, err := ParseArgs(argStr)
	if err != nil {
		return nil, err
	}
	name := args["driver"]
	if name == "" {
		return nil, fmt.Errorf("open device %q: %w", argStr, ErrNoDriver)
	}

	registryMu.RLock()
	open, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("open device %q: %w %q (have %v)", argStr, ErrUnknownDriver, name, Drivers())
	}

	dev, err := open(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("open %s device: %w", name, err)
	}
	return dev, nil
}

func init() {
	Register("mock", openMock)
	Register("rtltcp", openRTLTCP)
	Register("pluto", openPluto)
}
