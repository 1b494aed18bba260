package notify

import (
	"context"
	"fmt"

	commandsevents "homepi-cloud/internal/commands/application/events"
	devicesevents "homepi-cloud/internal/devices/application/events"
	"homepi-cloud/internal/eventing"
	schedulesevents "homepi-cloud/internal/schedules/application/events"
)

// Bind subscribes the notifier to the device lifecycle events worth a
// human-facing message.
func Bind(bus eventing.EventBus, notifier Notifier) {
	if bus == nil || notifier == nil {
		return
	}
	eventing.On(bus, func(ctx context.Context, event devicesevents.DeviceOnline) error {
		notifier.Notify(ctx, Event{
			Type:   "device.online",
			Serial: event.Serial,
			Text:   fmt.Sprintf("Device %s is back online", event.Serial),
			At:     event.OccurredAt,
		})
		return nil
	})
	eventing.On(bus, func(ctx context.Context, event devicesevents.DeviceAddressChanged) error {
		notifier.Notify(ctx, Event{
			Type:   "device.addr_changed",
			Serial: event.Serial,
			Text:   fmt.Sprintf("Device %s moved from %s to %s", event.Serial, event.OldAddr, event.NewAddr),
			At:     event.OccurredAt,
		})
		return nil
	})
	eventing.On(bus, func(ctx context.Context, event commandsevents.CommandCompleted) error {
		if event.Status != "failed" {
			return nil
		}
		notifier.Notify(ctx, Event{
			Type:   "command.failed",
			Serial: event.Serial,
			Text:   fmt.Sprintf("Command %s on %s failed: %s", event.Name, event.Serial, event.Result),
			At:     event.OccurredAt,
		})
		return nil
	})
	eventing.On(bus, func(ctx context.Context, event schedulesevents.ScheduleResolved) error {
		if event.Status != "failed" {
			return nil
		}
		notifier.Notify(ctx, Event{
			Type:   "schedule.failed",
			Serial: event.Serial,
			Text:   fmt.Sprintf("Schedule %s on %s failed: %s", event.Action, event.Serial, event.Error),
			At:     event.OccurredAt,
		})
		return nil
	})
}
