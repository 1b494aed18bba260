package autolight

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"homepi-cloud/internal/agent/devices"
)

const minSampleInterval = 200 * time.Millisecond

// ErrInvalidBand rejects a configuration without a real hysteresis band.
var ErrInvalidBand = errors.New("autolight: off_above must be greater than on_below")

// Config parameterizes the controller.
type Config struct {
	SensorSlug     string
	SwitchSlug     string
	OnBelow        float64
	OffAbove       float64
	SampleInterval time.Duration
	SamplesNeeded  int
}

// PushFunc receives a state delta the moment the actuator flips, so the
// control plane hears about it before the next heartbeat.
type PushFunc func(state map[string]map[string]any)

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	Running      bool
	LastSample   float64
	HaveSample   bool
	ActuatorOn   bool
	LastChangeAt time.Time
}

// Controller samples a light sensor and drives a switch with debounce and
// hysteresis: turn on after enough consecutive samples below on_below,
// turn off after enough consecutive samples above off_above. Samples
// inside the band reset both counters.
type Controller struct {
	cfg    Config
	sensor devices.Sensor
	sw     devices.Switch
	push   PushFunc
	logger *log.Logger

	// mu guards the state below and is never held during sensor or
	// switch I/O, so Snapshot cannot block on a slow read.
	mu           sync.Mutex
	running      bool
	lastSample   float64
	haveSample   bool
	isOn         bool
	lastChangeAt time.Time
	belowCount   int
	aboveCount   int
	stop         chan struct{}
	done         chan struct{}
}

// New validates the configuration and constructs a stopped controller.
func New(cfg Config, sensor devices.Sensor, sw devices.Switch, push PushFunc, logger *log.Logger) (*Controller, error) {
	if sensor == nil {
		return nil, errors.New("autolight: nil sensor")
	}
	if sw == nil {
		return nil, errors.New("autolight: nil switch")
	}
	if cfg.OffAbove <= cfg.OnBelow {
		return nil, fmt.Errorf("%w: on_below=%v off_above=%v", ErrInvalidBand, cfg.OnBelow, cfg.OffAbove)
	}
	if cfg.SampleInterval < minSampleInterval {
		cfg.SampleInterval = minSampleInterval
	}
	if cfg.SamplesNeeded < 1 {
		cfg.SamplesNeeded = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		cfg:    cfg,
		sensor: sensor,
		sw:     sw,
		push:   push,
		logger: logger,
	}, nil
}

// Start launches the sample loop. Starting a running controller is a
// no-op with a logged notice, never a second loop on the same actuator.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Printf("autolight: already running, start ignored")
		return
	}
	c.running = true
	c.belowCount = 0
	c.aboveCount = 0
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()
	go c.run(stop, done)
}

// Stop signals the loop. With join set it blocks until the worker has
// fully exited (bounded), so a restart with new parameters cannot race
// an in-flight sample.
func (c *Controller) Stop(join bool) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop, done := c.stop, c.done
	c.mu.Unlock()
	close(stop)
	if !join {
		return
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		c.logger.Printf("autolight: worker did not exit within join timeout")
	}
}

// Snapshot returns the current state without blocking the sample loop.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Running:      c.running,
		LastSample:   c.lastSample,
		HaveSample:   c.haveSample,
		ActuatorOn:   c.isOn,
		LastChangeAt: c.lastChangeAt,
	}
}

func (c *Controller) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Controller) tick() {
	value, err := c.sensor.Read()
	if err != nil {
		// A failed read skips the tick; counters keep their progress.
		c.logger.Printf("autolight: sensor read failed: %v", err)
		return
	}

	c.mu.Lock()
	c.lastSample = value
	c.haveSample = true
	switch {
	case value < c.cfg.OnBelow:
		c.belowCount++
		c.aboveCount = 0
	case value > c.cfg.OffAbove:
		c.aboveCount++
		c.belowCount = 0
	default:
		c.belowCount = 0
		c.aboveCount = 0
	}

	var target bool
	flip := false
	if !c.isOn && c.belowCount >= c.cfg.SamplesNeeded {
		target = true
		flip = true
		c.belowCount = 0
	} else if c.isOn && c.aboveCount >= c.cfg.SamplesNeeded {
		target = false
		flip = true
		c.aboveCount = 0
	}
	c.mu.Unlock()

	if !flip {
		return
	}
	if err := c.sw.Set(target); err != nil {
		c.logger.Printf("autolight: switch set %v failed: %v", target, err)
		return
	}

	now := time.Now().UTC()
	c.mu.Lock()
	c.isOn = target
	c.lastChangeAt = now
	c.mu.Unlock()

	c.logger.Printf("autolight: %s -> %v (sample %.1f)", c.cfg.SwitchSlug, target, value)
	if c.push != nil {
		c.push(map[string]map[string]any{
			c.cfg.SwitchSlug: {"is_on": target, "auto": true},
		})
	}
}
