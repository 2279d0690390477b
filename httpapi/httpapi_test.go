package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"

	"github.com/jack-mango/CameraControl/acquire"
	"github.com/jack-mango/CameraControl/camera"
	"github.com/jack-mango/CameraControl/controller"
	"github.com/jack-mango/CameraControl/params"
	"github.com/jack-mango/CameraControl/persist"
)

type stubFrames struct {
	frames  chan camera.FrameBatch
	status  chan camera.Status
	done    chan struct{}
	applied [][]acquire.Setting
}

func newStubFrames() *stubFrames {
	return &stubFrames{
		frames: make(chan camera.FrameBatch, 1),
		status: make(chan camera.Status, 1),
		done:   make(chan struct{}),
	}
}

func (s *stubFrames) Connect(deviceID int) error       { return nil }
func (s *stubFrames) Run(ctx context.Context)          { <-ctx.Done(); close(s.done) }
func (s *stubFrames) Enable()                          {}
func (s *stubFrames) Disable()                         {}
func (s *stubFrames) SetFramesPerShot(n int)           {}
func (s *stubFrames) Apply(set []acquire.Setting)      { s.applied = append(s.applied, set) }
func (s *stubFrames) Frames() <-chan camera.FrameBatch { return s.frames }
func (s *stubFrames) Status() <-chan camera.Status     { return s.status }
func (s *stubFrames) Done() <-chan struct{}            { return s.done }
func (s *stubFrames) Close() error                     { return nil }

type stubRecs struct {
	records chan params.Record
	done    chan struct{}
}

func (s *stubRecs) Connect() error                { return nil }
func (s *stubRecs) Run(ctx context.Context)       { <-ctx.Done(); close(s.done) }
func (s *stubRecs) Records() <-chan params.Record { return s.records }
func (s *stubRecs) Done() <-chan struct{}         { return s.done }
func (s *stubRecs) Close() error                  { return nil }

type stubSink struct{ format string }

func (s *stubSink) Start() error                     { return nil }
func (s *stubSink) Enqueue(u persist.ShotUnit) error { return nil }
func (s *stubSink) Flush(n int) (int, error)         { return n, nil }
func (s *stubSink) Stop() error                      { return nil }
func (s *stubSink) Len() int                         { return 0 }
func (s *stubSink) SetFormat(ext string) error       { s.format = ext; return nil }

func newTestServer(t *testing.T) (*httptest.Server, *stubFrames, *stubSink) {
	t.Helper()
	frames := newStubFrames()
	sink := &stubSink{}
	mk := func() (controller.RecordSource, error) {
		return &stubRecs{records: make(chan params.Record, 1), done: make(chan struct{})}, nil
	}
	c, err := controller.New(controller.Config{
		FramesPerShot:     1,
		ShotsPerParameter: 1,
		FileFormat:        ".h5",
	}, frames, sink, mk)
	if err != nil {
		t.Fatal(err)
	}
	mux := chi.NewRouter()
	NewWrapper(context.Background(), c).Bind(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, frames, sink
}

func get(t *testing.T, url string, into interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s returned %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatal(err)
	}
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestStateAndConnectionRoutes(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var state StrT
	get(t, srv.URL+"/state", &state)
	if state.Str != "idle" {
		t.Errorf("state %q", state.Str)
	}

	var conn map[string]string
	get(t, srv.URL+"/connection", &conn)
	if conn["camera"] != "disconnected" || conn["socket"] != "disconnected" {
		t.Errorf("connection %v", conn)
	}

	resp := post(t, srv.URL+"/camera/connect", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect returned %d", resp.StatusCode)
	}
	get(t, srv.URL+"/connection", &conn)
	if conn["camera"] != "connected" {
		t.Errorf("camera %s after connect", conn["camera"])
	}
}

func TestAcquisitionLifecycleOverHTTP(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// start without the camera is a policy conflict
	if resp := post(t, srv.URL+"/acquisition/start", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("start without camera returned %d", resp.StatusCode)
	}

	post(t, srv.URL+"/acquisition/stop", nil) // idle stop is an error too
	post(t, srv.URL+"/camera/connect", nil)
	if resp := post(t, srv.URL+"/acquisition/start", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("start returned %d", resp.StatusCode)
	}

	var state StrT
	get(t, srv.URL+"/state", &state)
	if state.Str != "running" {
		t.Errorf("state %q after start", state.Str)
	}

	// config is frozen while running
	if resp := post(t, srv.URL+"/config", map[string]interface{}{
		"framesPerShot": 2, "shotsPerParameter": 1,
	}); resp.StatusCode != http.StatusConflict {
		t.Errorf("config change while running returned %d", resp.StatusCode)
	}

	if resp := post(t, srv.URL+"/acquisition/stop", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("stop failed")
	}
	get(t, srv.URL+"/state", &state)
	if state.Str != "idle" {
		t.Errorf("state %q after stop", state.Str)
	}
}

func TestSettingsRoute(t *testing.T) {
	srv, frames, _ := newTestServer(t)

	resp := post(t, srv.URL+"/settings", map[string]interface{}{
		"temperature": -70,
		"em-gain":     250,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settings returned %d", resp.StatusCode)
	}
	if len(frames.applied) != 1 || len(frames.applied[0]) != 2 {
		t.Fatalf("settings not forwarded: %+v", frames.applied)
	}

	// unknown keys are a client error and never reach the producer
	resp = post(t, srv.URL+"/settings", map[string]interface{}{"iris": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown setting returned %d", resp.StatusCode)
	}
	if len(frames.applied) != 1 {
		t.Errorf("bad delta forwarded anyway")
	}
}

func TestFormatRoutes(t *testing.T) {
	srv, _, sink := newTestServer(t)

	var format StrT
	get(t, srv.URL+"/save-format", &format)
	if format.Str != ".h5" {
		t.Errorf("format %q", format.Str)
	}

	if resp := post(t, srv.URL+"/save-format", StrT{Str: ".npz"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("format change rejected")
	}
	if sink.format != ".npz" {
		t.Errorf("sink format %q", sink.format)
	}
	get(t, srv.URL+"/save-format", &format)
	if format.Str != ".npz" {
		t.Errorf("format %q after change", format.Str)
	}
}

func TestEndpointsListing(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var eps []string
	get(t, srv.URL+"/endpoints", &eps)
	if len(eps) == 0 {
		t.Fatal("no endpoints listed")
	}
	want := map[string]bool{
		"GET /state":              false,
		"POST /acquisition/start": false,
		"POST /settings":          false,
		"GET /counters":           false,
	}
	for _, ep := range eps {
		if _, ok := want[ep]; ok {
			want[ep] = true
		}
	}
	for ep, seen := range want {
		if !seen {
			t.Errorf("endpoint %s not listed", ep)
		}
	}
}
