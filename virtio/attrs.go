package virtio

import (
	"fmt"
	"strconv"
	"strings"
)

// Attrs are a device's platform description, e.g. from a device tree or config file.
type Attrs map[string]string

// well-known attributes

const (
	AttrType       = "virtio_type" // device type number
	AttrInterrupts = "interrupts"  // comma-separated interrupt lines, the first is used
	AttrSwitch     = "switch"      // network switch to attach to
	AttrMAC        = "mac"         // network MAC address
	AttrPath       = "path"        // block storage file or URL
	AttrReadOnly   = "readonly"    // block storage is read-only
)

// String returns the value of key and whether it is set.
func (a Attrs) String(key string) (string, bool) {
	v, ok := a[key]
	return v, ok
}

// Bool parses key as a boolean. An unset key is false.
func (a Attrs) Bool(key string) (bool, error) {
	v, ok := a[key]
	if !ok {
		return false, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: attribute %s: %w", ErrInvalid, key, err)
	}

	return b, nil
}

// Ints parses key as a comma-separated list of integers.
func (a Attrs) Ints(key string) ([]int, error) {
	v, ok := a[key]
	if !ok {
		return nil, fmt.Errorf("%w: attribute %s is not set", ErrInvalid, key)
	}

	var nn []int
	for _, f := range strings.Split(v, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(f), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %s: %w", ErrInvalid, key, err)
		}

		nn = append(nn, int(n))
	}

	return nn, nil
}

// Int parses key as a single integer.
func (a Attrs) Int(key string) (int, error) {
	nn, err := a.Ints(key)
	if err != nil {
		return 0, err
	}

	return nn[0], nil
}
