package supervisor

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/keithleyctl/smu"
)

const errBuffer = 16

var (
	// ErrRunning is generated when a run is started while another is active
	ErrRunning = errors.New("a measurement is already running")
)

// Controls is what the supervisor disables while a worker runs
type Controls interface {
	Lock()
	Unlock()
}

// Output is an instrument a job drives and the mode it sources
type Output struct {
	Inst smu.Instrument
	Mode smu.Mode
}

// Job is one measurement run
type Job struct {
	// Kind is the kind of measurement, e.g. pv-voc
	Kind string

	// Key is the key of the run the job records to
	Key string

	// Outputs are zeroed and disabled when the job ends, however it ends
	Outputs []Output

	// Run is the worker body.  It returns when it finishes or ctx is done
	Run func(ctx context.Context) error
}

// Status is a snapshot of the supervisor
type Status struct {
	State   State     `json:"state"`
	Kind    string    `json:"kind"`
	Key     string    `json:"key"`
	Started time.Time `json:"started"`
	Error   string    `json:"error"`
}

type worker struct {
	job     Job
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started time.Time
}

// Supervisor runs at most one Job at a time
type Supervisor struct {
	mu       sync.Mutex
	state    State
	cur      *worker
	last     Job
	lastErr  error
	errs     chan error
	controls Controls
}

// New creates a Supervisor.  controls may be nil
func New(controls Controls) *Supervisor {
	return &Supervisor{controls: controls, errs: make(chan error, errBuffer)}
}

// Errors delivers the error of every failed job.  If nobody is receiving,
// errors beyond the buffer are dropped from the channel but remain visible
// through Status until the next run starts
func (s *Supervisor) Errors() <-chan error {
	return s.errs
}

func (s *Supervisor) apply(eff Effects) {
	if s.controls == nil {
		return
	}
	if eff.Has(LockControls) {
		s.controls.Lock()
	}
	if eff.Has(UnlockControls) {
		s.controls.Unlock()
	}
}

func (s *Supervisor) report(err error) {
	s.lastErr = err
	select {
	case s.errs <- err:
	default:
	}
}

// Start toggles the supervisor to Running and spawns job.  It fails with
// ErrRunning if a job is active and smu.ErrNoInstrument if job has no outputs
func (s *Supervisor) Start(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || s.state == Running {
		return ErrRunning
	}
	ready := len(job.Outputs) > 0 && job.Run != nil
	for _, o := range job.Outputs {
		if o.Inst == nil {
			ready = false
		}
	}
	next, eff := Transition(s.state, Toggle, ready)
	if eff.Has(Reject) {
		return smu.ErrNoInstrument
	}
	s.state = next
	s.apply(eff)
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{job: job, cancel: cancel, done: make(chan struct{}), started: time.Now()}
	s.cur = w
	s.last = job
	s.lastErr = nil
	log.Printf("%s %s started", job.Kind, job.Key)
	go s.work(ctx, w)
	return nil
}

// boundary runs the job, recovering a panic as an error, then powers down
// every output.  The job's own error takes precedence over a power down error
func boundary(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("measurement panicked: %v", r)
			log.Printf("%s %s panic: %v\n%s", job.Kind, job.Key, r, debug.Stack())
		}
		for _, o := range job.Outputs {
			if perr := smu.PowerDown(o.Inst, o.Mode); perr != nil {
				log.Printf("%s %s power down: %v", job.Kind, job.Key, perr)
				if err == nil {
					err = errors.Wrap(perr, "power down")
				}
			}
		}
	}()
	return job.Run(ctx)
}

func (s *Supervisor) work(ctx context.Context, w *worker) {
	err := boundary(ctx, w.job)
	w.cancel()

	s.mu.Lock()
	ev := Finished
	if err != nil {
		ev = Failed
	}
	// while a Stop is joining us the state is already Stopped
	running := s.state == Running && s.cur == w
	next, eff := Transition(s.state, ev, true)
	s.state = next
	s.apply(eff)
	if running {
		s.cur = nil
	}
	w.err = err
	switch {
	case err != nil:
		log.Printf("%s %s failed: %v", w.job.Kind, w.job.Key, err)
	case running:
		log.Printf("%s %s finished", w.job.Kind, w.job.Key)
	default:
		log.Printf("%s %s stopped", w.job.Kind, w.job.Key)
	}
	if eff.Has(Report) {
		s.report(err)
	}
	s.mu.Unlock()
	close(w.done)
}

// Stop toggles a running supervisor to Stopped, asks the worker to stop,
// and waits for it to return.  The worker's error is returned.  Stopping
// while Stopped does nothing and returns nil
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	w := s.cur
	if w == nil || s.state != Running {
		s.mu.Unlock()
		if w != nil {
			<-w.done
			return w.err
		}
		return nil
	}
	next, eff := Transition(s.state, Toggle, true)
	s.state = next
	s.mu.Unlock()

	if eff.Has(Cancel) {
		w.cancel()
	}
	if eff.Has(Join) {
		<-w.done
	}

	s.mu.Lock()
	if s.cur == w {
		s.cur = nil
	}
	s.apply(eff)
	s.mu.Unlock()
	return w.err
}

// Wait blocks until the active job, if any, returns and returns its error
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	w := s.cur
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	<-w.done
	return w.err
}

// State returns the present state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy returns true while a worker is alive, including while it is being stopped
func (s *Supervisor) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Status returns the state along with the most recent job and its error
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Kind: s.last.Kind, Key: s.last.Key}
	if s.cur != nil {
		st.Started = s.cur.started
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}
