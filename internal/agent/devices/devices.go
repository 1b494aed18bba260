// Package devices abstracts the agent's local peripherals. The sim
// implementations let the agent run end-to-end without hardware; real
// drivers plug in behind the same two interfaces.
package devices

import (
	"errors"
	"sync"
)

// Sensor reads a single analog value (a light level, a temperature).
type Sensor interface {
	Read() (float64, error)
}

// Switch drives a single on/off actuator.
type Switch interface {
	Set(on bool) error
	IsOn() bool
}

// SimSensor returns scripted values. Each Read consumes the next sample;
// once exhausted it repeats the last one.
type SimSensor struct {
	mu      sync.Mutex
	samples []float64
	index   int

	// ReadError, when set, is returned by every Read.
	ReadError error
}

// NewSimSensor creates a sensor with the given samples.
func NewSimSensor(samples ...float64) *SimSensor {
	return &SimSensor{samples: samples}
}

// Read returns the next scripted sample.
func (s *SimSensor) Read() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadError != nil {
		return 0, s.ReadError
	}
	if len(s.samples) == 0 {
		return 0, errors.New("sim sensor: no samples configured")
	}
	sample := s.samples[s.index]
	if s.index < len(s.samples)-1 {
		s.index++
	}
	return sample, nil
}

// Feed appends samples to the script.
func (s *SimSensor) Feed(samples ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
}

// SimSwitch is an in-memory actuator that counts transitions.
type SimSwitch struct {
	mu      sync.Mutex
	on      bool
	changes int

	// SetError, when set, is returned by every Set.
	SetError error
}

// NewSimSwitch creates a switch in the off position.
func NewSimSwitch() *SimSwitch {
	return &SimSwitch{}
}

// Set drives the switch.
func (s *SimSwitch) Set(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetError != nil {
		return s.SetError
	}
	if s.on != on {
		s.changes++
	}
	s.on = on
	return nil
}

// IsOn reports the current position.
func (s *SimSwitch) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// Changes reports how many times the position flipped.
func (s *SimSwitch) Changes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changes
}
