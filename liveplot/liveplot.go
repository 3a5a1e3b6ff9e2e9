// Package liveplot keeps per-run (x, y) buffers for each live plot and
// renders them to PNG with gonum/plot
package liveplot

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/nasa-jpl/keithleyctl/trace"
)

// Axis picks a field from samples of one kind
type Axis struct {
	X, Y string

	// Scale multiplies Y, 1 if zero
	Scale float64
}

// Layout describes a plot
type Layout struct {
	Name   string
	Title  string
	XLabel string
	YLabel string

	// Axes maps run kinds to the fields plotted for them
	Axes map[string]Axis
}

var stepAxis = Axis{X: "V0", Y: "I0"}

// Layouts are the live plots
var Layouts = []Layout{
	{Name: "iv", Title: "IV", XLabel: "Voltage (V)", YLabel: "Current (A)", Axes: map[string]Axis{
		"iv-sweep":        {X: "V", Y: "I"},
		"pv-bias":         {X: "V", Y: "I"},
		"iv-sweep-v-step": stepAxis,
		"iv-sweep-i-step": stepAxis,
	}},
	{Name: "iv-power", Title: "Power", XLabel: "Voltage (V)", YLabel: "Power (mW)", Axes: map[string]Axis{
		"pv-bias": {X: "V", Y: "P", Scale: 1e3},
	}},
	{Name: "voc", Title: "Voc tracking", XLabel: "Time (s)", YLabel: "Voc (V)", Axes: map[string]Axis{
		"pv-voc": {X: "t", Y: "Voc"},
	}},
	{Name: "ioc", Title: "Ioc tracking", XLabel: "Time (s)", YLabel: "Ioc (A)", Axes: map[string]Axis{
		"pv-voc": {X: "t", Y: "Ioc"},
	}},
	{Name: "mpp-v", Title: "MPP tracking", XLabel: "Time (s)", YLabel: "Vmpp (V)", Axes: map[string]Axis{
		"pv-mpp": {X: "t", Y: "Vmpp"},
	}},
	{Name: "mpp-p", Title: "MPP power", XLabel: "Time (s)", YLabel: "Pmpp (mW)", Axes: map[string]Axis{
		"pv-mpp": {X: "t", Y: "Pmpp", Scale: 1e3},
	}},
	{Name: "bias", Title: "Bias", XLabel: "Time (s)", YLabel: "Measured", Axes: map[string]Axis{
		"v-bias": {X: "t", Y: "I"},
		"i-bias": {X: "t", Y: "V"},
	}},
}

type handle struct {
	key string
	xys plotter.XYs
}

// Plot is the buffers of one Layout
type Plot struct {
	Layout
	mu      sync.Mutex
	handles []*handle
	index   map[string]*handle
	limiter *rate.Limiter
	cache   []byte
	dirty   bool
}

func newPlot(s Layout, every time.Duration) *Plot {
	lim := rate.NewLimiter(rate.Inf, 1)
	if every > 0 {
		lim = rate.NewLimiter(rate.Every(every), 1)
	}
	return &Plot{Layout: s, index: map[string]*handle{}, limiter: lim, dirty: true}
}

// Add appends a point to the handle for key, creating it if needed
func (p *Plot) Add(key string, x, y float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.index[key]
	if !ok {
		h = &handle{key: key}
		p.index[key] = h
		p.handles = append(p.handles, h)
	}
	h.xys = append(h.xys, plotter.XY{X: x, Y: y})
	p.dirty = true
}

// Remove drops the handle for key
func (p *Plot) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[key]; !ok {
		return
	}
	delete(p.index, key)
	for i, h := range p.handles {
		if h.key == key {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			break
		}
	}
	p.dirty = true
}

// Clear drops every handle
func (p *Plot) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles = nil
	p.index = map[string]*handle{}
	p.dirty = true
}

// Keys returns the run keys with a handle, in order of creation
func (p *Plot) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.handles))
	for i, h := range p.handles {
		out[i] = h.key
	}
	return out
}

// Points returns a copy of the points of the handle for key
func (p *Plot) Points(key string) plotter.XYs {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.index[key]
	if !ok {
		return nil
	}
	return append(plotter.XYs(nil), h.xys...)
}

func (p *Plot) render(w, h vg.Length) ([]byte, error) {
	pl := plot.New()
	pl.Title.Text = p.Title
	pl.X.Label.Text = p.XLabel
	pl.Y.Label.Text = p.YLabel
	pl.Add(plotter.NewGrid())
	for i, hd := range p.handles {
		if len(hd.xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(append(plotter.XYs(nil), hd.xys...))
		if err != nil {
			return nil, err
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		pl.Add(line)
		pl.Legend.Add(hd.key, line)
	}
	wt, err := pl.WriterTo(w, h, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WritePNG writes the plot as a PNG to out.  Renders are limited in rate;
// between renders the previous image is written
func (p *Plot) WritePNG(out io.Writer) error {
	p.mu.Lock()
	if p.cache == nil || (p.dirty && p.limiter.Allow()) {
		b, err := p.render(6*vg.Inch, 4*vg.Inch)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.cache = b
		p.dirty = false
	}
	b := p.cache
	p.mu.Unlock()
	_, err := out.Write(b)
	return err
}

// Set is the collection of live plots
type Set struct {
	plots map[string]*Plot
	names []string
}

// NewSet creates the plots in Layouts.  Each plot re-renders at most once per
// every; zero disables the limit
func NewSet(every time.Duration) *Set {
	s := &Set{plots: map[string]*Plot{}}
	for _, l := range Layouts {
		s.plots[l.Name] = newPlot(l, every)
		s.names = append(s.names, l.Name)
	}
	sort.Strings(s.names)
	return s
}

// Names returns the plot names, sorted
func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}

// Get returns the plot with name
func (s *Set) Get(name string) (*Plot, error) {
	p, ok := s.plots[name]
	if !ok {
		return nil, fmt.Errorf("no plot named %s", name)
	}
	return p, nil
}

// Observe adds a sample to every plot that draws its kind.
// It is suitable for trace.Store.Subscribe
func (s *Set) Observe(smp trace.Sample) {
	for _, name := range s.names {
		p := s.plots[name]
		ax, ok := p.Axes[smp.Kind]
		if !ok {
			continue
		}
		x, okx := smp.Value(ax.X)
		y, oky := smp.Value(ax.Y)
		if !okx || !oky {
			continue
		}
		if ax.Scale != 0 {
			y *= ax.Scale
		}
		p.Add(smp.Key, x, y)
	}
}

// Remove drops the handles for key from every plot
func (s *Set) Remove(key string) {
	for _, p := range s.plots {
		p.Remove(key)
	}
}

// Clear drops every handle from every plot
func (s *Set) Clear() {
	for _, p := range s.plots {
		p.Clear()
	}
}
