// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"

	"github.com/nasa-jpl/keithleyctl/generichttp"
	"github.com/nasa-jpl/keithleyctl/server"
)

// ManipulableLock is a lock whose state can be read and changed, and which
// can guard an http.Handler
type ManipulableLock interface {
	Lock()
	Unlock()
	Locked() bool
	Check(http.Handler) http.Handler
	HTTPGet(http.ResponseWriter, *http.Request)
	HTTPSet(http.ResponseWriter, *http.Request)
}

// Inject adds a lock route to a generichttp.HTTPer which is used to manipulate the locker
func Inject(other generichttp.HTTPer, l ManipulableLock) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of routes to not protect
type Locker struct {
	mu       sync.RWMutex
	isLocked bool

	// DoNotProtect is a list of paths not to apply the lock to
	DoNotProtect []string

	// ProtectOnly, if not empty, restricts the lock to these HTTP methods.
	// A bench locks POST so readouts remain available during a run
	ProtectOnly []string

	// Held, if not nil, reports whether the lock is owned by something other
	// than HTTP clients.  While it returns true, HTTPSet refuses to unlock
	Held func() bool
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = true
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = false
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLocked
}

func (l *Locker) protects(r *http.Request) bool {
	for _, str := range l.DoNotProtect {
		if strings.Contains(r.URL.Path, str) {
			return false
		}
	}
	if len(l.ProtectOnly) == 0 {
		return true
	}
	for _, m := range l.ProtectOnly {
		if strings.EqualFold(m, r.Method) {
			return true
		}
	}
	return false
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	// return a handlerfunc wrapping a handler, middleware/generator pattern
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && l.protects(r) {
			w.WriteHeader(http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body.
// An unlock while Held is refused with 409
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		if l.Held != nil && l.Held() {
			http.Error(w, "lock is held by a running measurement", http.StatusConflict)
			return
		}
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
