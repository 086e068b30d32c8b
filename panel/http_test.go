package panel_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/bkarb/bkprecision"
	"github.com/nasa-jpl/bkarb/generichttp"
	"github.com/nasa-jpl/bkarb/panel"
)

func newPanelRouter(t *testing.T) (http.Handler, *stub) {
	inst := newStub()
	st, err := panel.New(inst)
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	panel.NewHTTPWrapper(st).RT().Bind(r)
	return r, inst
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestHTTPEditRevertSnapshot(t *testing.T) {
	h, inst := newPanelRouter(t)
	if rec := serve(h, http.MethodPost, "/panel/param/offset", `{"f64": -0.25}`); rec.Code != http.StatusOK {
		t.Fatalf("edit: expected 200, got %d %s", rec.Code, rec.Body)
	}
	if inst.vals[bkprecision.Offset] != -0.25 {
		t.Error("edit did not reach the instrument")
	}

	rec := serve(h, http.MethodPost, "/panel/revert/offset", "")
	f := generichttp.FloatT{}
	if err := json.NewDecoder(rec.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if f.F64 != -0.25 {
		t.Errorf("revert: expected -0.25, got %g", f.F64)
	}

	rec = serve(h, http.MethodGet, "/panel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: expected 200, got %d", rec.Code)
	}
	var snap struct {
		Parameters map[string]panel.Reading `json:"parameters"`
		DataPoints int                      `json:"dataPoints"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Parameters["offset"].Requested != -0.25 {
		t.Errorf("snapshot: expected requested offset -0.25, got %+v", snap.Parameters["offset"])
	}
	if len(snap.Parameters) != len(bkprecision.Parameters()) {
		t.Errorf("expected %d parameters, got %d", len(bkprecision.Parameters()), len(snap.Parameters))
	}
}

func TestHTTPModeAndTrigger(t *testing.T) {
	h, inst := newPanelRouter(t)
	if rec := serve(h, http.MethodPost, "/panel/mode", `{"str": "Square Wave"}`); rec.Code != http.StatusOK {
		t.Fatalf("mode: expected 200, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodPost, "/panel/trigger", ""); rec.Code != http.StatusOK {
		t.Fatalf("trigger: expected 200, got %d", rec.Code)
	}
	if len(inst.modes) != 1 || inst.modes[0] != bkprecision.Square || inst.triggers != 1 {
		t.Errorf("unexpected instrument calls: modes %v triggers %d", inst.modes, inst.triggers)
	}
	if rec := serve(h, http.MethodPost, "/panel/mode", `{"str": "triangle"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown mode: expected 404, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodPost, "/panel/param/volume", `{"f64": 1}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown param: expected 404, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodPost, "/panel/param/amp", `f64`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", rec.Code)
	}
}

func TestHTTPOutputAndRaw(t *testing.T) {
	h, inst := newPanelRouter(t)
	if rec := serve(h, http.MethodPost, "/panel/output/1", `{"bool": true}`); rec.Code != http.StatusOK {
		t.Fatalf("output: expected 200, got %d", rec.Code)
	}
	rec := serve(h, http.MethodGet, "/panel/output/1", "")
	b := generichttp.BoolT{}
	if err := json.NewDecoder(rec.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if !b.Bool || !inst.outputs[1] {
		t.Errorf("expected channel 1 on, got %v", b.Bool)
	}
	if rec = serve(h, http.MethodGet, "/panel/output/3", ""); rec.Code != http.StatusNotFound {
		t.Errorf("channel 3: expected 404, got %d", rec.Code)
	}

	rec = serve(h, http.MethodPost, "/raw", `{"str": "*IDN?"}`)
	s := generichttp.StrT{}
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.Str != "raw:*IDN?" {
		t.Errorf("unexpected raw reply %q", s.Str)
	}
}
