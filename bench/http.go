package bench

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/keithleyctl/generichttp"
	"github.com/nasa-jpl/keithleyctl/generichttp/sourcemeter"
	"github.com/nasa-jpl/keithleyctl/server"
	"github.com/nasa-jpl/keithleyctl/server/middleware/locker"
	"github.com/nasa-jpl/keithleyctl/smu"
	"github.com/nasa-jpl/keithleyctl/supervisor"
	"github.com/nasa-jpl/keithleyctl/trace"
)

// StatusReply is the body of GET /status
type StatusReply struct {
	supervisor.Status
	Instruments []string `json:"instruments"`
	Locked      bool     `json:"locked"`
	Runs        int      `json:"runs"`
}

// KeyReply carries the key of a run that was started
type KeyReply struct {
	Key string `json:"key"`
}

// toggle is read from every run request.  A missing or true Run starts
// the measurement, false stops whatever is running
type toggle struct {
	Run *bool `json:"run"`
}

// statusOf attaches an HTTP status code to the errors of a bench
func statusOf(err error) error {
	var sc generichttp.StatusCoder
	switch {
	case err == nil, errors.As(err, &sc):
		return err
	case errors.Is(err, supervisor.ErrRunning),
		errors.Is(err, smu.ErrNoInstrument),
		errors.Is(err, ErrSameInstrument),
		errors.Is(err, ErrNotBiasing):
		return generichttp.StatusError{Code: http.StatusConflict, Err: err}
	case errors.Is(err, trace.ErrNoRun), errors.Is(err, trace.ErrNoData):
		return generichttp.StatusError{Code: http.StatusNotFound, Err: err}
	}
	return err
}

func reply(w http.ResponseWriter, err error) {
	generichttp.ReplyError(w, statusOf(err))
}

// starter returns a fresh copy of a request's defaults to decode onto,
// and the function that starts the measurement from it
type starter func() (params interface{}, start func() (string, error))

func (b *Bench) runRoute(prep starter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params, start := prep()
		var t toggle
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, params); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := json.Unmarshal(body, &t); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if t.Run != nil && !*t.Run {
			b.httpStop(w, r)
			return
		}
		key, err := start()
		if err != nil {
			reply(w, err)
			return
		}
		server.ReplyJSON(w, KeyReply{Key: key})
	}
}

func (b *Bench) httpStop(w http.ResponseWriter, r *http.Request) {
	if err := b.Stop(); err != nil {
		reply(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (b *Bench) httpStatus(w http.ResponseWriter, r *http.Request) {
	server.ReplyJSON(w, StatusReply{
		Status:      b.Sup.Status(),
		Instruments: b.Names(),
		Locked:      b.Lock.Locked(),
		Runs:        b.Store.Len(),
	})
}

func (b *Bench) httpKeys(w http.ResponseWriter, r *http.Request) {
	server.ReplyJSON(w, b.Store.Keys())
}

func (b *Bench) httpRun(w http.ResponseWriter, r *http.Request) {
	run, err := b.Store.Run(chi.URLParam(r, "key"))
	if err != nil {
		reply(w, err)
		return
	}
	server.ReplyJSON(w, run)
}

func (b *Bench) httpDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == b.Sup.Status().Key && b.Sup.Busy() {
		reply(w, supervisor.ErrRunning)
		return
	}
	if err := b.Store.Delete(key); err != nil {
		reply(w, err)
		return
	}
	b.Plots.Remove(key)
	w.WriteHeader(http.StatusOK)
}

func (b *Bench) httpReset(w http.ResponseWriter, r *http.Request) {
	if b.Sup.Busy() {
		reply(w, supervisor.ErrRunning)
		return
	}
	b.Store.Reset()
	b.Plots.Clear()
	w.WriteHeader(http.StatusOK)
}

func (b *Bench) httpDesc(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	generichttp.SetString(func(s string) error {
		return statusOf(b.Store.SetMeta(key, trace.MetaDesc, s))
	})(w, r)
}

// attach writes buf as a file download
func attach(w http.ResponseWriter, buf *bytes.Buffer, contentType, ext string) {
	name := "keithley-" + time.Now().Format("20060102-150405") + ext
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

func (b *Bench) httpSaveText(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := trace.WriteText(&buf, b.Store.Runs(), r.URL.Query().Get("note")); err != nil {
		reply(w, err)
		return
	}
	attach(w, &buf, "text/plain; charset=utf-8", ".txt")
}

func (b *Bench) httpSaveFITS(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := trace.WriteFITS(&buf, b.Store.Runs()); err != nil {
		reply(w, err)
		return
	}
	attach(w, &buf, "application/fits", ".fits")
}

func (b *Bench) httpPlot(w http.ResponseWriter, r *http.Request) {
	p, err := b.Plots.Get(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	if err := p.WritePNG(&buf); err != nil {
		reply(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

func (b *Bench) httpPlotNames(w http.ResponseWriter, r *http.Request) {
	server.ReplyJSON(w, b.Plots.Names())
}

// RT returns the routes of the bench.  Instrument routes are added by Router
func (b *Bench) RT() generichttp.RouteTable {
	return generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/status"}: b.httpStatus,
		{Method: http.MethodPost, Path: "/stop"}:  b.httpStop,
		{Method: http.MethodPost, Path: "/bias"}: b.runRoute(func() (interface{}, func() (string, error)) {
			p := b.Defaults.Bias
			return &p, func() (string, error) { return b.StartBias(p) }
		}),
		{Method: http.MethodPost, Path: "/bias/level"}: generichttp.SetFloat(func(f float64) error {
			return statusOf(b.SetBiasLevel(f))
		}),
		{Method: http.MethodPost, Path: "/sweep"}: b.runRoute(func() (interface{}, func() (string, error)) {
			p := b.Defaults.Sweep
			return &p, func() (string, error) { return b.StartSweep(p) }
		}),
		{Method: http.MethodPost, Path: "/iv"}: b.runRoute(func() (interface{}, func() (string, error)) {
			p := b.Defaults.PV
			return &p, func() (string, error) { return b.StartPV(p) }
		}),
		{Method: http.MethodPost, Path: "/sweep-step"}: b.runRoute(func() (interface{}, func() (string, error)) {
			req := struct {
				SweepStepParams
				Confirm bool `json:"confirm"`
			}{SweepStepParams: b.Defaults.SweepStep}
			return &req, func() (string, error) { return b.StartSweepStep(req.SweepStepParams, req.Confirm) }
		}),
		{Method: http.MethodPost, Path: "/voc"}: b.runRoute(func() (interface{}, func() (string, error)) {
			p := b.Defaults.Voc
			return &p, func() (string, error) { return b.StartVoc(p) }
		}),
		{Method: http.MethodPost, Path: "/mpp"}: b.runRoute(func() (interface{}, func() (string, error)) {
			p := b.Defaults.MPP
			return &p, func() (string, error) { return b.StartMPP(p) }
		}),
		{Method: http.MethodGet, Path: "/traces"}:             b.httpKeys,
		{Method: http.MethodDelete, Path: "/traces"}:          b.httpReset,
		{Method: http.MethodGet, Path: "/traces/{key}"}:       b.httpRun,
		{Method: http.MethodDelete, Path: "/traces/{key}"}:    b.httpDelete,
		{Method: http.MethodPost, Path: "/traces/{key}/desc"}: b.httpDesc,
		{Method: http.MethodGet, Path: "/save"}:               b.httpSaveText,
		{Method: http.MethodGet, Path: "/save.fits"}:          b.httpSaveFITS,
		{Method: http.MethodGet, Path: "/plot"}:               b.httpPlotNames,
		{Method: http.MethodGet, Path: "/plot/{name}.png"}:    b.httpPlot,
		{Method: http.MethodGet, Path: "/metrics"}:            b.Metrics.Handler().ServeHTTP,
	}
}

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

// Router returns a router serving the bench routes, GET and POST /lock,
// every instrument's direct control routes under /{name}, and GET /endpoints
// listing them all.
// The instrument routes refuse changes with 423 while a measurement runs
func (b *Bench) Router() chi.Router {
	root := chi.NewRouter()
	rt := b.RT()
	locker.Inject(table(rt), b.Lock)
	rt.Bind(root)
	endpoints := map[string][]string{"/": rt.Endpoints()}
	for _, name := range b.Names() {
		stem := generichttp.SubMuxSanitize(name)
		sm := sourcemeter.NewHTTPSourceMeter(b.Instrument(name))
		sub := chi.NewRouter()
		sub.Use(b.Lock.Check)
		sm.RT().Bind(sub)
		root.Mount(stem, sub)
		endpoints[stem] = sm.RT().Endpoints()
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		server.ReplyJSON(w, endpoints)
	})
	return root
}
