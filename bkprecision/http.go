package bkprecision

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/bkarb/generichttp"
	"github.com/nasa-jpl/bkarb/generichttp/ascii"
)

// HTTPStatus maps an error from this package to an HTTP status code.  A
// field the instrument does not report is 404; a reply that cannot be read
// and a link that cannot be used are both failures upstream, 502.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownParameter), errors.Is(err, ErrUnknownMode), errors.Is(err, ErrFieldAbsent):
		return http.StatusNotFound
	case errors.Is(err, ErrChannelUnavailable), errors.Is(err, ErrMalformedReply):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// ParseSubsystem maps "bswv", "basic", "btwv", or "burst" to a Subsystem
func ParseSubsystem(s string) (Subsystem, error) {
	switch strings.ToLower(s) {
	case "bswv", "basic":
		return BasicWave, nil
	case "btwv", "burst":
		return BurstWave, nil
	}
	return "", errors.Errorf("bkprecision: unknown subsystem %q", s)
}

// HTTPWrapper provides HTTP bindings on top of a Generator
type HTTPWrapper struct {
	// Gen is the underlying generator
	Gen *Generator

	// RouteTable maps methods and paths to handlers
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(g *Generator) HTTPWrapper {
	w := HTTPWrapper{Gen: g}
	w.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/idn"}:                generichttp.GetString(g.Identify),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/param/{name}"}:       w.GetParameter,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/param/{name}"}:      w.SetParameter,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status/{subsystem}"}: w.Status,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/mode"}:              w.ApplyMode,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/trigger"}:           w.Trigger,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/output/{ch}"}:        w.OutputEnabled,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/output/{ch}"}:       w.Output,
	}
	ascii.InjectRawComm(w.RouteTable, g)
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetParameter reads a parameter named in the URL and returns {"f64": value}
func (h HTTPWrapper) GetParameter(w http.ResponseWriter, r *http.Request) {
	p, err := ParseParameter(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	f, err := h.Gen.GetParameter(p)
	if err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	hp := generichttp.HumanPayload{T: types.Float64, Float: f}
	hp.EncodeAndRespond(w, r)
}

// SetParameter writes a parameter named in the URL from {"f64": value}
func (h HTTPWrapper) SetParameter(w http.ResponseWriter, r *http.Request) {
	p, err := ParseParameter(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	f := generichttp.FloatT{}
	err = json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.Gen.SetParameter(p, f.F64); err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Status returns every recognized field of a subsystem as a JSON object
func (h HTTPWrapper) Status(w http.ResponseWriter, r *http.Request) {
	sub, err := ParseSubsystem(chi.URLParam(r, "subsystem"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	m, err := h.Gen.Status(sub)
	if err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(m)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ApplyMode configures the mode named by {"str": mode}
func (h HTTPWrapper) ApplyMode(w http.ResponseWriter, r *http.Request) {
	s := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := ParseMode(s.Str)
	if err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	if err = h.Gen.ApplyMode(m); err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Trigger fires a burst
func (h HTTPWrapper) Trigger(w http.ResponseWriter, r *http.Request) {
	if err := h.Gen.Trigger(); err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func channelParam(r *http.Request) (int, bool) {
	ch, err := strconv.Atoi(chi.URLParam(r, "ch"))
	return ch, err == nil && (ch == 1 || ch == 2)
}

// OutputEnabled returns {"bool": on} for the channel in the URL
func (h HTTPWrapper) OutputEnabled(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(r)
	if !ok {
		http.Error(w, "channel must be 1 or 2", http.StatusNotFound)
		return
	}
	on, err := h.Gen.OutputEnabled(ch)
	if err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	hp := generichttp.HumanPayload{T: types.Bool, Bool: on}
	hp.EncodeAndRespond(w, r)
}

// Output turns a channel on or off from {"bool": on}
func (h HTTPWrapper) Output(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(r)
	if !ok {
		http.Error(w, "channel must be 1 or 2", http.StatusNotFound)
		return
	}
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.Gen.Output(ch, b.Bool); err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}
