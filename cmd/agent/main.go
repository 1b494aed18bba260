package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"homepi-cloud/internal/agent/autolight"
	"homepi-cloud/internal/agent/config"
	"homepi-cloud/internal/agent/devices"
	"homepi-cloud/internal/agent/dispatch"
	"homepi-cloud/internal/agent/scheduler"
	"homepi-cloud/internal/agent/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := log.New(os.Stdout, "", log.LstdFlags)

	client, err := transport.NewClient(cfg.ServerURL, cfg.Serial, cfg.Token,
		transport.WithMaxWait(cfg.ClaimMaxWait.Std()))
	if err != nil {
		logger.Fatalf("transport error: %v", err)
	}

	sensor := devices.NewSimSensor(100)
	light := devices.NewSimSwitch()

	// Out-of-band state push rides an extra heartbeat so the control
	// plane cache updates before the next scheduled beat.
	pushState := func(state map[string]map[string]any) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := client.Heartbeat(ctx, nil, state); err != nil {
			logger.Printf("state push failed: %v", err)
		}
	}

	controller, err := autolight.New(autolight.Config{
		SensorSlug:     cfg.AutoLight.SensorSlug,
		SwitchSlug:     cfg.AutoLight.SwitchSlug,
		OnBelow:        cfg.AutoLight.OnBelow,
		OffAbove:       cfg.AutoLight.OffAbove,
		SampleInterval: cfg.AutoLight.SampleInterval.Std(),
		SamplesNeeded:  cfg.AutoLight.SamplesNeeded,
	}, sensor, light, pushState, logger)
	if err != nil {
		logger.Fatalf("autolight error: %v", err)
	}

	var resendCaps atomic.Bool
	resendCaps.Store(true)

	table := dispatch.NewTable()
	registerHandlers(table, cfg.AutoLight.SwitchSlug, light, controller, &resendCaps)

	sched, err := scheduler.New(
		func(ctx context.Context) ([]scheduler.Job, error) {
			entries, err := client.FetchSchedules(ctx)
			if err != nil {
				return nil, err
			}
			jobs := make([]scheduler.Job, 0, len(entries))
			for _, entry := range entries {
				jobs = append(jobs, scheduler.Job{
					ID:      entry.ID,
					Action:  entry.Action,
					Payload: entry.Payload,
					RunAt:   entry.RunAt(),
				})
			}
			return jobs, nil
		},
		func(ctx context.Context, job scheduler.Job) error {
			delta, err := table.Dispatch(ctx, job.Action, job.Payload)
			if delta != nil {
				pushState(delta)
			}
			return err
		},
		client.ScheduleAck,
		logger,
	)
	if err != nil {
		logger.Fatalf("scheduler error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AutoLight.Enabled {
		controller.Start()
	}
	sched.Start()
	go heartbeatLoop(ctx, client, controller, &resendCaps, cfg, logger)
	go refreshLoop(ctx, sched, cfg.ScheduleRefresh.Std(), logger)
	go claimLoop(ctx, client, table, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Printf("shutting down")
	cancel()
	sched.Stop()
	controller.Stop(true)
}

func registerHandlers(table *dispatch.Table, lightSlug string, light *devices.SimSwitch, controller *autolight.Controller, resendCaps *atomic.Bool) {
	lightDelta := func() dispatch.StateDelta {
		return dispatch.StateDelta{lightSlug: {"is_on": light.IsOn()}}
	}
	table.Register("ping", func(context.Context, dispatch.Payload) (dispatch.StateDelta, error) {
		return nil, nil
	})
	table.Register("rescan_caps", func(context.Context, dispatch.Payload) (dispatch.StateDelta, error) {
		resendCaps.Store(true)
		return nil, nil
	})
	table.Register("light_on", func(context.Context, dispatch.Payload) (dispatch.StateDelta, error) {
		if err := light.Set(true); err != nil {
			return nil, err
		}
		return lightDelta(), nil
	})
	table.Register("light_off", func(context.Context, dispatch.Payload) (dispatch.StateDelta, error) {
		if err := light.Set(false); err != nil {
			return nil, err
		}
		return lightDelta(), nil
	})
	table.Register("light_toggle", func(context.Context, dispatch.Payload) (dispatch.StateDelta, error) {
		if err := light.Set(!light.IsOn()); err != nil {
			return nil, err
		}
		return lightDelta(), nil
	})
	table.Register("auto_light_on", func(context.Context, dispatch.Payload) (dispatch.StateDelta, error) {
		controller.Start()
		return dispatch.StateDelta{lightSlug: {"auto": true}}, nil
	})
	table.Register("auto_light_off", func(context.Context, dispatch.Payload) (dispatch.StateDelta, error) {
		controller.Stop(true)
		return dispatch.StateDelta{lightSlug: {"auto": false}}, nil
	})
}

func declaredCaps(cfg config.Config) []transport.CapabilityDecl {
	return []transport.CapabilityDecl{
		{Slug: cfg.AutoLight.SwitchSlug, Kind: "light", Name: "Light", Order: 0},
		{Slug: cfg.AutoLight.SensorSlug, Kind: "sensor", Name: "Light level", Order: 1},
	}
}

func heartbeatLoop(ctx context.Context, client *transport.Client, controller *autolight.Controller, resendCaps *atomic.Bool, cfg config.Config, logger *log.Logger) {
	beat := func() {
		var caps []transport.CapabilityDecl
		if resendCaps.Swap(false) {
			caps = declaredCaps(cfg)
		}
		state := map[string]map[string]any{}
		snap := controller.Snapshot()
		if snap.HaveSample {
			state[cfg.AutoLight.SensorSlug] = map[string]any{"level": snap.LastSample}
		}
		if len(state) == 0 {
			state = nil
		}
		beatCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		resp, err := client.Heartbeat(beatCtx, caps, state)
		if err != nil {
			// The caps declaration must reach the server eventually.
			if caps != nil {
				resendCaps.Store(true)
			}
			logger.Printf("heartbeat failed: %v", err)
			return
		}
		if caps != nil {
			logger.Printf("heartbeat ok, ip=%s caps_synced=%d", resp.IP, resp.CapsSynced)
		}
	}

	beat()
	ticker := time.NewTicker(cfg.HeartbeatInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func refreshLoop(ctx context.Context, sched *scheduler.LocalScheduler, interval time.Duration, logger *log.Logger) {
	if err := sched.Refresh(ctx); err != nil {
		logger.Printf("schedule refresh failed: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sched.Refresh(ctx); err != nil {
				logger.Printf("schedule refresh failed: %v", err)
			}
		}
	}
}

func claimLoop(ctx context.Context, client *transport.Client, table *dispatch.Table, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cmd, err := client.Claim(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Printf("claim failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}
		if cmd == nil {
			continue
		}

		delta, execErr := table.Dispatch(ctx, cmd.Name, cmd.Payload)
		errMsg := ""
		if execErr != nil {
			errMsg = execErr.Error()
			logger.Printf("command %s (%s) failed: %v", cmd.Name, cmd.ReqID, execErr)
		}
		ackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := client.Ack(ackCtx, cmd.ReqID, execErr == nil, errMsg, delta); err != nil {
			logger.Printf("ack %s failed: %v", cmd.ReqID, err)
		}
		cancel()
	}
}
