// Package trace holds measurement runs, each a keyed set of equal length
// float series, and encodes them to the text and FITS trace formats
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// MetaDesc is the metadata label holding a user description of the run
	MetaDesc = "__desc__"

	// MetaRoot is the metadata label holding the key of the run a step run belongs to
	MetaRoot = "__root__"

	// MetaStep is the metadata label holding the step bias of a step run
	MetaStep = "__step__"

	keyHashLen = 6
)

var (
	// ErrNoRun is generated when a key does not name a run in the store
	ErrNoRun = errors.New("no run with that key")

	// ErrFieldCount is generated when a sample does not carry one value per field
	ErrFieldCount = errors.New("sample length does not match field count")

	// ErrNoData is generated when saving a store that has no runs
	ErrNoData = errors.New("No measurement data")
)

// Appender is what measurement loops write samples to
type Appender interface {
	Append(key string, values ...float64) error
}

// Run is one measurement run
type Run struct {
	// Key uniquely identifies the run, e.g. "pv-voc 1a2b3c"
	Key string `json:"key"`

	// Kind is the kind of measurement, e.g. "iv-sweep"
	Kind string `json:"kind"`

	// Fields are the series names in the order they were declared
	Fields []string `json:"fields"`

	// Data maps each field to its series
	Data map[string][]float64 `json:"data"`

	// Meta holds descriptive labels such as MetaDesc
	Meta map[string]string `json:"meta,omitempty"`

	// Created is when the run was made
	Created time.Time `json:"created"`
}

// Len returns the number of samples in the run
func (r Run) Len() int {
	if len(r.Fields) == 0 {
		return 0
	}
	return len(r.Data[r.Fields[0]])
}

// Column returns the series for field, nil if there is no such field
func (r Run) Column(field string) []float64 {
	return r.Data[field]
}

func (r Run) clone() Run {
	out := Run{
		Key:     r.Key,
		Kind:    r.Kind,
		Fields:  append([]string(nil), r.Fields...),
		Data:    make(map[string][]float64, len(r.Data)),
		Meta:    make(map[string]string, len(r.Meta)),
		Created: r.Created,
	}
	for k, v := range r.Data {
		out.Data[k] = append(make([]float64, 0, len(v)), v...)
	}
	for k, v := range r.Meta {
		out.Meta[k] = v
	}
	return out
}

// Sample is delivered to listeners each time a run grows by one sample
type Sample struct {
	Key    string
	Kind   string
	Fields []string
	Values []float64
}

// Value returns the value of field in the sample and true,
// or zero and false if the sample does not carry field
func (s Sample) Value(field string) (float64, bool) {
	for i, f := range s.Fields {
		if f == field {
			return s.Values[i], true
		}
	}
	return 0, false
}

// Key generates a run key from a prefix and a time, the prefix followed by
// the first six hex digits of a hash of prefix and time
func Key(prefix string, t time.Time) string {
	sum := sha256.Sum256([]byte(prefix + "@" + t.Format(time.RFC3339Nano)))
	return prefix + " " + hex.EncodeToString(sum[:])[:keyHashLen]
}

// Store is an ordered collection of runs.  It is concurrent safe;
// one goroutine appends while others read
type Store struct {
	mu        sync.RWMutex
	order     []string
	runs      map[string]*Run
	listeners []func(Sample)

	// Now is the clock used to stamp runs, time.Now if nil
	Now func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{runs: map[string]*Run{}}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Subscribe adds a listener called after every Append.  Listeners are
// called from the appending goroutine, outside the store's lock
func (s *Store) Subscribe(fcn func(Sample)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fcn)
}

// NewRun creates an empty run with the given fields and returns its key
func (s *Store) NewRun(prefix, kind string, fields ...string) (string, error) {
	if len(fields) == 0 {
		return "", errors.New("a run needs at least one field")
	}
	seen := map[string]bool{}
	for _, f := range fields {
		if seen[f] {
			return "", errors.Errorf("field %q declared twice", f)
		}
		seen[f] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now()
	key := Key(prefix, t)
	for i := 1; s.runs[key] != nil; i++ {
		key = Key(prefix, t.Add(time.Duration(i)))
	}
	run := &Run{
		Key:     key,
		Kind:    kind,
		Fields:  append([]string(nil), fields...),
		Data:    make(map[string][]float64, len(fields)),
		Meta:    map[string]string{},
		Created: t,
	}
	for _, f := range fields {
		run.Data[f] = []float64{}
	}
	s.runs[key] = run
	s.order = append(s.order, key)
	return key, nil
}

// Append adds one sample to a run, one value per field in declaration order
func (s *Store) Append(key string, values ...float64) error {
	s.mu.Lock()
	run, ok := s.runs[key]
	if !ok {
		s.mu.Unlock()
		return errors.Wrap(ErrNoRun, key)
	}
	if len(values) != len(run.Fields) {
		s.mu.Unlock()
		return errors.Wrapf(ErrFieldCount, "%s has %d fields, got %d values", key, len(run.Fields), len(values))
	}
	for i, f := range run.Fields {
		run.Data[f] = append(run.Data[f], values[i])
	}
	smp := Sample{
		Key:    key,
		Kind:   run.Kind,
		Fields: run.Fields,
		Values: append([]float64(nil), values...),
	}
	listeners := s.listeners
	s.mu.Unlock()
	for _, l := range listeners {
		l(smp)
	}
	return nil
}

// SetMeta sets a metadata label on a run
func (s *Store) SetMeta(key, label, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[key]
	if !ok {
		return errors.Wrap(ErrNoRun, key)
	}
	run.Meta[label] = value
	return nil
}

// Run returns a copy of the run with key
func (s *Store) Run(key string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[key]
	if !ok {
		return Run{}, errors.Wrap(ErrNoRun, key)
	}
	return run.clone(), nil
}

// Keys returns the keys of all runs in creation order
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Runs returns copies of all runs in creation order
func (s *Store) Runs() []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.runs[k].clone())
	}
	return out
}

// Len returns the number of runs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Delete removes a run
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[key]; !ok {
		return errors.Wrap(ErrNoRun, key)
	}
	delete(s.runs, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Reset removes every run
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.runs = map[string]*Run{}
}
