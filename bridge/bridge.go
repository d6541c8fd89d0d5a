// Package bridge wraps the external mobile-device bridge utility: the
// port-forwarding tool that exposes the phone's HCI snoop/inject TCP
// endpoints on loopback. It is invoked as a plain external process with
// string arguments (spec.md §6) — grounded on the teacher's os/exec
// wrapper style in git.go and socket_linux.go.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Device-side ports the bridge forwards (spec.md §6).
const (
	DeviceSnoopPort  = 8872
	DeviceInjectPort = 8873
)

// Device identifies one bridge-visible mobile device.
type Device struct {
	Serial string
	Model  string
}

// Bridge invokes the external port-forwarding binary (e.g. "adb" or a
// vendor equivalent). Binary is the executable name or path; it is never
// invoked by a worker goroutine, only by the session during setup/teardown
// (spec.md §5).
type Bridge struct {
	Binary string
}

// New returns a Bridge wrapping the given binary name, defaulting to
// "bridge" (the generic name spec.md §6 uses for the example CLI).
func New(binary string) *Bridge {
	if binary == "" {
		binary = "bridge"
	}
	return &Bridge{Binary: binary}
}

// Devices lists bridge-visible devices. Output parsing follows a simple
// "serial\tmodel" per-line convention; empty output yields an empty
// slice, while a failing "devices" invocation is returned as an error.
func (b *Bridge) Devices(ctx context.Context) ([]Device, error) {
	out, err := exec.CommandContext(ctx, b.Binary, "devices").Output()
	if err != nil {
		return nil, fmt.Errorf("bridge: devices: %w", err)
	}
	var devices []Device
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		d := Device{Serial: fields[0]}
		if len(fields) > 1 {
			d.Model = strings.Join(fields[1:], " ")
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Forward sets up forwarding of a host TCP port to a device TCP port:
// `bridge forward tcp:<hostPort> tcp:<devicePort>` (spec.md §6).
func (b *Bridge) Forward(ctx context.Context, hostPort, devicePort int) error {
	cmd := exec.CommandContext(ctx, b.Binary, "forward",
		"tcp:"+strconv.Itoa(hostPort), "tcp:"+strconv.Itoa(devicePort))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("bridge: forward %d->%d: %w: %s", hostPort, devicePort, err, stderr.String())
	}
	return nil
}

// RemoveForward tears down a previously established host port forward:
// `bridge forward --remove tcp:<hostPort>` (spec.md §6).
func (b *Bridge) RemoveForward(ctx context.Context, hostPort int) error {
	cmd := exec.CommandContext(ctx, b.Binary, "forward", "--remove", "tcp:"+strconv.Itoa(hostPort))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("bridge: remove forward %d: %w: %s", hostPort, err, stderr.String())
	}
	return nil
}

// SelectDevice implements the original tool's device-selection behavior
// (recovered from original_source per SPEC_FULL.md §7): if exactly one
// device is visible it is chosen automatically; zero devices is an error;
// more than one requires the caller's chooser function to pick an index.
func SelectDevice(devices []Device, choose func([]Device) (int, error)) (Device, error) {
	switch len(devices) {
	case 0:
		return Device{}, fmt.Errorf("bridge: no devices found")
	case 1:
		return devices[0], nil
	default:
		if choose == nil {
			return Device{}, fmt.Errorf("bridge: multiple devices found, no chooser provided")
		}
		idx, err := choose(devices)
		if err != nil {
			return Device{}, err
		}
		if idx < 0 || idx >= len(devices) {
			return Device{}, fmt.Errorf("bridge: chooser returned out-of-range index %d", idx)
		}
		return devices[idx], nil
	}
}
