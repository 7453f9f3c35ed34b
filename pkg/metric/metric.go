// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/kcore-os/kcore/pkg/prometheus"
	"github.com/kcore-os/kcore/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// Field contains the field name and allowed values for a metric with a
// single field breakdown.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

func (f Field) index(v string) int {
	for i, a := range f.allowedValues {
		if a == v {
			return i
		}
	}
	panic(fmt.Sprintf("invalid value %q for field %q", v, f.name))
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. A metric with a field keeps one counter per allowed value.
type Uint64Metric struct {
	field  *Field
	values []atomic.Uint64
}

func (m *Uint64Metric) key(fieldValues []string) int {
	switch {
	case m.field == nil && len(fieldValues) == 0:
		return 0
	case m.field != nil && len(fieldValues) == 1:
		return m.field.index(fieldValues[0])
	}
	panic("invalid field lookup depth")
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.key(fieldValues)].Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(v)
}

// registered is a metric known to a Registry.
type registered struct {
	metadata prometheus.Metric
	field    *Field

	// Exactly one of counter and value is set.
	counter *Uint64Metric
	value   func() uint64
}

// stageTiming is the duration of a boot stage.
type stageTiming struct {
	stage   string
	started time.Time
	ended   time.Time
}

// Registry holds the metrics of one machine.
type Registry struct {
	mu       sync.Mutex
	metrics  map[string]*registered
	current  stageTiming
	finished []stageTiming
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*registered)}
}

func (r *Registry) register(m *registered) error {
	if m.field != nil && len(m.field.allowedValues) == 0 {
		return ErrFieldHasNoAllowedValues
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[m.metadata.Name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, m.metadata.Name)
	}
	r.metrics[m.metadata.Name] = m
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name, optionally broken down by field.
func (r *Registry) NewUint64Metric(name, description string, field ...Field) (*Uint64Metric, error) {
	m := &registered{metadata: prometheus.Metric{Name: name, Type: prometheus.TypeCounter, Help: description}}
	n := 1
	if len(field) > 1 {
		return nil, fmt.Errorf("metric %q: at most one field is supported", name)
	}
	if len(field) == 1 {
		m.field = &field[0]
		n = len(field[0].allowedValues)
	}
	m.counter = &Uint64Metric{field: m.field, values: make([]atomic.Uint64, n)}
	if err := r.register(m); err != nil {
		return nil, err
	}
	return m.counter, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func (r *Registry) MustCreateNewUint64Metric(name, description string, field ...Field) *Uint64Metric {
	m, err := r.NewUint64Metric(name, description, field...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a metric whose value is read from
// value at export time. A cumulative metric is exported as a counter,
// anything else as a gauge.
func (r *Registry) RegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) error {
	typ := prometheus.TypeGauge
	if cumulative {
		typ = prometheus.TypeCounter
	}
	return r.register(&registered{
		metadata: prometheus.Metric{Name: name, Type: typ, Help: description},
		value:    value,
	})
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func (r *Registry) MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) {
	if err := r.RegisterCustomUint64Metric(name, cumulative, description, value); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// StartStage should be called when an initialization stage is started.
// It returns a function that must be called to indicate that the stage
// has ended. Starting a stage ends the one in progress.
func (r *Registry) StartStage(stage string) func() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current.stage != "" {
		r.endStage(now)
	}
	r.current = stageTiming{stage: stage, started: now}
	return func() {
		now := time.Now()
		r.mu.Lock()
		defer r.mu.Unlock()
		// The current stage may have been ended by another call to
		// StartStage, so double-check prior to clearing it.
		if r.current.stage == stage {
			r.endStage(now)
		}
	}
}

// endStage moves the current stage to the finished list.
//
// Precondition: r.mu is locked.
func (r *Registry) endStage(when time.Time) {
	r.current.ended = when
	r.finished = append(r.finished, r.current)
	r.current = stageTiming{}
}

// Stages returns the finished stages and their durations, in the order
// they finished.
func (r *Registry) Stages() ([]string, []time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.finished))
	durations := make([]time.Duration, len(r.finished))
	for i, s := range r.finished {
		names[i] = s.stage
		durations[i] = s.ended.Sub(s.started)
	}
	return names, durations
}

var stageMetric = prometheus.Metric{
	Name: "boot_stage_duration_seconds",
	Type: prometheus.TypeGauge,
	Help: "Duration of each finished boot stage.",
}

// Snapshot returns the current value of every metric.
func (r *Registry) Snapshot() *prometheus.Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	metrics := make([]*registered, len(names))
	for i, name := range names {
		metrics[i] = r.metrics[name]
	}
	r.mu.Unlock()

	s := prometheus.NewSnapshot()
	for _, m := range metrics {
		switch {
		case m.value != nil:
			s.Add(prometheus.NewIntData(&m.metadata, int64(m.value())))
		case m.field == nil:
			s.Add(prometheus.NewIntData(&m.metadata, int64(m.counter.Value())))
		default:
			for _, v := range m.field.allowedValues {
				labels := map[string]string{m.field.name: v}
				s.Add(prometheus.LabeledIntData(&m.metadata, labels, int64(m.counter.Value(v))))
			}
		}
	}

	stages, durations := r.Stages()
	for i, stage := range stages {
		d := prometheus.NewFloatData(&stageMetric, durations[i].Seconds())
		d.Labels = map[string]string{"stage": stage}
		s.Add(d)
	}
	return s
}
