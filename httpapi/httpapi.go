/*
Package httpapi wraps the pipeline orchestrator in an HTTP interface.

The wrapper exposes state, status, counters, and connection queries as
GETs, and lifecycle transitions, configuration, and camera settings as
POSTs.  Single values travel in the {<typename>: value} convention used
throughout; compound values as plain JSON objects.
*/
package httpapi

import (
	"context"
	"encoding/json"
	"go/types"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/jack-mango/CameraControl/acquire"
	"github.com/jack-mango/CameraControl/controller"
)

// Wrapper exposes a Controller over HTTP.  ctx outlives any single
// request; connection loops started by a request run under it.
type Wrapper struct {
	ctx   context.Context
	c     *controller.Controller
	route RouteTable
}

// NewWrapper returns an HTTP wrapper around c.  Loops spawned by the
// connect routes run under ctx.
func NewWrapper(ctx context.Context, c *controller.Controller) *Wrapper {
	w := &Wrapper{ctx: ctx, c: c}
	w.route = RouteTable{
		MethodPath{http.MethodGet, "/state"}:       w.GetState,
		MethodPath{http.MethodGet, "/status"}:      w.GetStatus,
		MethodPath{http.MethodGet, "/counters"}:    w.GetCounters,
		MethodPath{http.MethodGet, "/connection"}:  w.GetConnection,
		MethodPath{http.MethodGet, "/config"}:      w.GetConfig,
		MethodPath{http.MethodGet, "/save-format"}: w.GetFormat,

		MethodPath{http.MethodPost, "/acquisition/start"}: w.Start,
		MethodPath{http.MethodPost, "/acquisition/stop"}:  w.Stop,
		MethodPath{http.MethodPost, "/camera/connect"}:    w.ConnectCamera,
		MethodPath{http.MethodPost, "/camera/disconnect"}: w.DisconnectCamera,
		MethodPath{http.MethodPost, "/socket/connect"}:    w.ConnectSocket,
		MethodPath{http.MethodPost, "/socket/disconnect"}: w.DisconnectSocket,
		MethodPath{http.MethodPost, "/config"}:            w.SetConfig,
		MethodPath{http.MethodPost, "/save-format"}:       w.SetFormat,
		MethodPath{http.MethodPost, "/settings"}:          w.ApplySettings,
	}
	return w
}

// RT returns the route table, allowing more routes to be injected
func (w *Wrapper) RT() RouteTable { return w.route }

// Bind registers the wrapper's routes on r
func (w *Wrapper) Bind(r chi.Router) { w.route.Bind(r) }

// GetState returns the acquisition state as a string
func (w *Wrapper) GetState(rw http.ResponseWriter, r *http.Request) {
	hp := HumanPayload{T: types.String, String: w.c.State().String()}
	hp.EncodeAndRespond(rw, r)
}

// GetStatus returns the most recent camera status snapshot
func (w *Wrapper) GetStatus(rw http.ResponseWriter, r *http.Request) {
	respondJSON(rw, w.c.Status())
}

// GetCounters returns the progress counters
func (w *Wrapper) GetCounters(rw http.ResponseWriter, r *http.Request) {
	respondJSON(rw, w.c.CountersNow())
}

// GetConnection returns the camera and socket connection states
func (w *Wrapper) GetConnection(rw http.ResponseWriter, r *http.Request) {
	cam, sock := w.c.ConnectionStates()
	respondJSON(rw, map[string]string{
		"camera": cam.String(),
		"socket": sock.String(),
	})
}

// GetConfig returns the acquisition policy
func (w *Wrapper) GetConfig(rw http.ResponseWriter, r *http.Request) {
	respondJSON(rw, w.c.GetConfig())
}

// SetConfig replaces the acquisition policy
func (w *Wrapper) SetConfig(rw http.ResponseWriter, r *http.Request) {
	var cfg controller.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		defer r.Body.Close()
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := w.c.SetConfig(cfg); err != nil {
		http.Error(rw, err.Error(), statusFor(err))
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// GetFormat returns the output file format
func (w *Wrapper) GetFormat(rw http.ResponseWriter, r *http.Request) {
	hp := HumanPayload{T: types.String, String: w.c.GetConfig().FileFormat}
	hp.EncodeAndRespond(rw, r)
}

// SetFormat changes the output file format
func (w *Wrapper) SetFormat(rw http.ResponseWriter, r *http.Request) {
	str := StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	if err := w.c.SetFileFormat(str.Str); err != nil {
		http.Error(rw, err.Error(), statusFor(err))
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// ApplySettings queues a camera configuration delta
func (w *Wrapper) ApplySettings(rw http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	err := json.NewDecoder(r.Body).Decode(&raw)
	defer r.Body.Close()
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	settings, err := acquire.ParseSettings(raw)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	w.c.ApplySettings(settings)
	rw.WriteHeader(http.StatusOK)
}

// Start begins an acquisition run
func (w *Wrapper) Start(rw http.ResponseWriter, r *http.Request) {
	if err := w.c.Start(); err != nil {
		http.Error(rw, err.Error(), statusFor(err))
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// Stop ends the acquisition run
func (w *Wrapper) Stop(rw http.ResponseWriter, r *http.Request) {
	if err := w.c.Stop(); err != nil {
		http.Error(rw, err.Error(), statusFor(err))
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// ConnectCamera brings up the camera
func (w *Wrapper) ConnectCamera(rw http.ResponseWriter, r *http.Request) {
	if err := w.c.ConnectCamera(w.ctx); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// DisconnectCamera winds down the camera
func (w *Wrapper) DisconnectCamera(rw http.ResponseWriter, r *http.Request) {
	if err := w.c.DisconnectCamera(); err != nil {
		http.Error(rw, err.Error(), statusFor(err))
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// ConnectSocket brings up the parameter socket
func (w *Wrapper) ConnectSocket(rw http.ResponseWriter, r *http.Request) {
	if err := w.c.ConnectSocket(w.ctx); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// DisconnectSocket winds down the parameter socket
func (w *Wrapper) DisconnectSocket(rw http.ResponseWriter, r *http.Request) {
	if err := w.c.DisconnectSocket(); err != nil {
		http.Error(rw, err.Error(), statusFor(err))
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func respondJSON(rw http.ResponseWriter, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	}
}

// statusFor maps orchestrator rejections to 409 and everything else to 500
func statusFor(err error) int {
	switch err.(type) {
	case controller.NotIdleError, controller.PolicyError:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
