package generichttp_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/keithleyctl/generichttp"
)

func TestSubMuxSanitize(t *testing.T) {
	for _, in := range []string{"smu/a", "/smu/a", "smu/a/", "/smu/a/*"} {
		if out := generichttp.SubMuxSanitize(in); out != "/smu/a" {
			t.Errorf("SubMuxSanitize(%q): expected /smu/a got %s", in, out)
		}
	}
}

func TestEndpointsSorted(t *testing.T) {
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/voltage"}: nil,
		{Method: http.MethodGet, Path: "/voltage"}:  nil,
		{Method: http.MethodGet, Path: "/current"}:  nil,
	}
	got := strings.Join(rt.Endpoints(), ",")
	expected := "GET /current,GET /voltage,POST /voltage"
	if got != expected {
		t.Errorf("expected %s got %s", expected, got)
	}
}

func TestSetFloatAndGetFloat(t *testing.T) {
	var v float64
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/level"}: generichttp.SetFloat(func(f float64) error { v = f; return nil }),
		{Method: http.MethodGet, Path: "/level"}:  generichttp.GetFloat(func() (float64, error) { return v, nil }),
	}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/level", strings.NewReader(`{"f64": 0.5}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/level", nil))
	if got := strings.TrimSpace(w.Body.String()); got != `{"f64":0.5}` {
		t.Errorf("expected {\"f64\":0.5} got %s", got)
	}
}

func TestSetBoolBadRequest(t *testing.T) {
	h := generichttp.SetBool(func(bool) error { return nil })
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/output", strings.NewReader("not json")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 got %d", w.Code)
	}
}

func TestGetStringError(t *testing.T) {
	h := generichttp.GetString(func() (string, error) { return "", errors.New("timeout") })
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/idn", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 got %d", w.Code)
	}
}

func TestReplyErrorCarriesStatus(t *testing.T) {
	h := generichttp.Action(func() error {
		return generichttp.StatusError{Code: http.StatusConflict, Err: errors.New("a measurement is running")}
	})
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/reset", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 got %d", w.Code)
	}
}
