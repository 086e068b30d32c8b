package panel

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/bkarb/bkprecision"
	"github.com/nasa-jpl/bkarb/generichttp"
	"github.com/nasa-jpl/bkarb/generichttp/ascii"
)

// HTTPWrapper exposes a panel State over HTTP
type HTTPWrapper struct {
	State *State

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(s *State) HTTPWrapper {
	w := HTTPWrapper{State: s}
	w.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/panel"}:                w.Snapshot,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/panel/param/{name}"}:  w.Edit,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/panel/revert/{name}"}: w.Revert,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/panel/mode"}:          w.SelectMode,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/panel/trigger"}:       w.Trigger,
	}
	for _, ch := range []int{1, 2} {
		ch := ch
		path := "/panel/output/" + strconv.Itoa(ch)
		w.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: path}] = generichttp.GetBool(func() (bool, error) {
			return s.OutputEnabled(ch)
		})
		w.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: path}] = generichttp.SetBool(func(on bool) error {
			return s.Output(ch, on)
		})
	}
	ascii.InjectRawComm(w.RouteTable, s)
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Snapshot returns the panel as JSON
func (h HTTPWrapper) Snapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(h.State.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Edit submits {"f64": value} for the parameter named in the URL
func (h HTTPWrapper) Edit(w http.ResponseWriter, r *http.Request) {
	p, err := bkprecision.ParseParameter(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), bkprecision.HTTPStatus(err))
		return
	}
	f := generichttp.FloatT{}
	err = json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.State.Edit(p, f.F64); err != nil {
		http.Error(w, err.Error(), bkprecision.HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Revert returns the requested value of the parameter named in the URL as
// {"f64": value}
func (h HTTPWrapper) Revert(w http.ResponseWriter, r *http.Request) {
	p, err := bkprecision.ParseParameter(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), bkprecision.HTTPStatus(err))
		return
	}
	hp := generichttp.HumanPayload{T: types.Float64, Float: h.State.Revert(p)}
	hp.EncodeAndRespond(w, r)
}

// SelectMode applies the mode named by {"str": mode}
func (h HTTPWrapper) SelectMode(w http.ResponseWriter, r *http.Request) {
	s := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := bkprecision.ParseMode(s.Str)
	if err != nil {
		http.Error(w, err.Error(), bkprecision.HTTPStatus(err))
		return
	}
	if err = h.State.SelectMode(m); err != nil {
		http.Error(w, err.Error(), bkprecision.HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Trigger fires a burst
func (h HTTPWrapper) Trigger(w http.ResponseWriter, r *http.Request) {
	if err := h.State.Trigger(); err != nil {
		http.Error(w, err.Error(), bkprecision.HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}
