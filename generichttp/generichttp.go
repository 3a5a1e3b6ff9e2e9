// Package generichttp provides route tables and handler builders that put
// device methods behind JSON HTTP routes
package generichttp

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"

	"github.com/nasa-jpl/keithleyctl/server"
)

// StatusCoder is an error that knows which HTTP status it maps to
type StatusCoder interface {
	StatusCode() int
}

// StatusError attaches an HTTP status code to an error
type StatusError struct {
	Code int
	Err  error
}

func (e StatusError) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error
func (e StatusError) Unwrap() error { return e.Err }

// StatusCode satisfies StatusCoder
func (e StatusError) StatusCode() int { return e.Code }

// ReplyError writes err to w with the status carried by err,
// or 500 if it carries none
func ReplyError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var sc StatusCoder
	if errors.As(err, &sc) {
		code = sc.StatusCode()
	}
	http.Error(w, err.Error(), code)
}

// DecodeBody decodes the JSON request body into v, replying 400 on failure.
// It returns false if the handler should stop
func DecodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			ReplyError(w, err)
			return
		}
		hp := server.HumanPayload{T: types.Float64, Float: f}
		hp.EncodeAndRespond(w, r)
	}
}

// SetFloat parses a JSON input of {'f64': value} and
// calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := server.FloatT{}
		if !DecodeBody(w, r, &f) {
			return
		}
		if err := fcn(f.F64); err != nil {
			ReplyError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			ReplyError(w, err)
			return
		}
		hp := server.HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// SetString parses a JSON input of {'str': value} and
// calls fcn with it
func SetString(fcn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := server.StrT{}
		if !DecodeBody(w, r, &s) {
			return
		}
		if err := fcn(s.Str); err != nil {
			ReplyError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			ReplyError(w, err)
			return
		}
		hp := server.HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := server.BoolT{}
		if !DecodeBody(w, r, &b) {
			return
		}
		if err := fcn(b.Bool); err != nil {
			ReplyError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Action calls fcn with no arguments, for routes like a reset that carry no body
func Action(fcn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(); err != nil {
			ReplyError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
