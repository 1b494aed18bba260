package application

import (
	"context"
	"fmt"

	devices "homepi-cloud/internal/devices/domain"
)

// commandsByKind maps a capability kind to the command names a device that
// declared that kind accepts.
var commandsByKind = map[string][]string{
	"light": {
		"light_on",
		"light_off",
		"light_toggle",
		"auto_light_on",
		"auto_light_off",
	},
	"locker": {
		"locker_open",
		"locker_close",
		"locker_toggle",
	},
	"camera": {
		"camera_snapshot",
	},
}

// universalCommands are accepted by every registered device.
var universalCommands = map[string]struct{}{
	"ping":        {},
	"rescan_caps": {},
}

// CommandAllowed reports whether the named command is valid for a device
// with the given enabled capabilities.
func CommandAllowed(name string, caps []devices.Capability) bool {
	if _, ok := universalCommands[name]; ok {
		return true
	}
	for _, c := range caps {
		if !c.Enabled {
			continue
		}
		for _, cmd := range commandsByKind[c.Kind] {
			if cmd == name {
				return true
			}
		}
	}
	return false
}

// ValidateCommand checks a command name against a device's capability set.
func (s *HeartbeatService) ValidateCommand(ctx context.Context, deviceID, name string) error {
	caps, err := s.store.ListCapabilities(ctx, deviceID)
	if err != nil {
		return err
	}
	if !CommandAllowed(name, caps) {
		return fmt.Errorf("devices: command %q not supported by device %s: %w", name, deviceID, devices.ErrUnsupportedCommand)
	}
	return nil
}
