package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"diskforge/internal/blockdev"
	"diskforge/internal/eject"
	"diskforge/internal/extend"
	"diskforge/internal/flash"
	"diskforge/internal/pipeline"
	"diskforge/internal/toolpath"
)

type fakeLister struct {
	devices []blockdev.Device
	err     error
}

func (f *fakeLister) List(context.Context) ([]blockdev.Device, error) { return f.devices, f.err }

type fakeExtender struct {
	res   extend.Result
	calls int
}

func (f *fakeExtender) Extend(context.Context, string, int) extend.Result {
	f.calls++
	return f.res
}

type fakeEjector struct {
	err   error
	calls int
}

func (f *fakeEjector) Eject(context.Context, string) error {
	f.calls++
	return f.err
}

func fakeDDFlasher(t *testing.T, script string) *flash.Flasher {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dd")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	l := toolpath.NewLocator(
		toolpath.WithOverrides(map[string][]string{toolpath.DD: {path}}),
		toolpath.WithProbeFunc(func(p string) bool { return p == path }),
	)
	cache, _ := l.Locate([]string{toolpath.DD})
	return flash.NewFlasher(cache, 0, zerolog.Nop())
}

const okDD = `
printf '512 bytes (512 B) copied, 0 s, 1 MB/s\r' >&2
exit 0
`

func writeImage(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.img")
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type testEnv struct {
	deps Deps
	srv  *httptest.Server
	ex   *fakeExtender
	ej   *fakeEjector
}

func newTestEnv(t *testing.T, lister *fakeLister, fl *flash.Flasher) *testEnv {
	t.Helper()
	ex := &fakeExtender{res: extend.Result{Succeeded: true, PartitionResized: true, PartitionPath: "/dev/sdb3"}}
	ej := &fakeEjector{}
	p := pipeline.New(lister, fl, nil, nil, zerolog.Nop())
	p.Extender = ex
	p.Ejector = ej
	deps := Deps{
		Log:      zerolog.Nop(),
		Devices:  lister,
		Flasher:  fl,
		Pipeline: p,
		Jobs:     NewJobStore(),
		Metrics:  NewMetrics(),
	}
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return &testEnv{deps: deps, srv: srv, ex: ex, ej: ej}
}

func twoDevices() *fakeLister {
	return &fakeLister{devices: []blockdev.Device{
		{Path: "/dev/sda", Name: "sda", IsOS: true},
		{Path: "/dev/sdb", Name: "sdb", SizeBytes: 512000000000, IsRemovable: true},
	}}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	return body.Error.Code
}

func waitJob(t *testing.T, jobs *JobStore, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, ok := jobs.Get(id)
		if ok && (j.Status == JobStatusCompleted || j.Status == JobStatusFailed) {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", id)
	return Job{}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, twoDevices(), fakeDDFlasher(t, okDD))
	resp, err := http.Get(env.srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		OK      bool   `json:"ok"`
		Version string `json:"version"`
	}
	decodeBody(t, resp, &body)
	if !body.OK || body.Version != Version {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestListDevices(t *testing.T) {
	env := newTestEnv(t, twoDevices(), fakeDDFlasher(t, okDD))
	resp, err := http.Get(env.srv.URL + "/api/v1/devices")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Devices []blockdev.Device `json:"devices"`
	}
	decodeBody(t, resp, &body)
	if len(body.Devices) != 2 {
		t.Fatalf("got %d devices", len(body.Devices))
	}
	if !body.Devices[0].IsOS {
		t.Fatal("OS flag lost in transit")
	}
}

func TestListDevicesEnumerationFailure(t *testing.T) {
	lister := &fakeLister{err: os.ErrPermission}
	env := newTestEnv(t, lister, fakeDDFlasher(t, okDD))
	resp, err := http.Get(env.srv.URL + "/api/v1/devices")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestFlashJobLifecycle(t *testing.T) {
	env := newTestEnv(t, twoDevices(), fakeDDFlasher(t, okDD))
	img := writeImage(t, 1024)

	resp := postJSON(t, env.srv.URL+"/api/v1/flash", map[string]string{
		"imagePath": img, "devicePath": "/dev/sdb",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var accepted struct {
		JobID string `json:"jobId"`
	}
	decodeBody(t, resp, &accepted)
	if accepted.JobID == "" {
		t.Fatal("no job id returned")
	}

	job := waitJob(t, env.deps.Jobs, accepted.JobID)
	if job.Status != JobStatusCompleted {
		t.Fatalf("job failed: %v", job.Error)
	}
	if job.Progress == nil || *job.Progress != 100 {
		t.Fatalf("completed job progress = %v, want 100", job.Progress)
	}
}

func TestFlashRefusesOSDrive(t *testing.T) {
	env := newTestEnv(t, twoDevices(), fakeDDFlasher(t, okDD))
	resp := postJSON(t, env.srv.URL+"/api/v1/flash", map[string]string{
		"imagePath": writeImage(t, 1024), "devicePath": "/dev/sda",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "invalid_target" {
		t.Fatalf("error code = %q", code)
	}
}

func TestFlashRefusesUnknownDevice(t *testing.T) {
	env := newTestEnv(t, twoDevices(), fakeDDFlasher(t, okDD))
	resp := postJSON(t, env.srv.URL+"/api/v1/flash", map[string]string{
		"imagePath": writeImage(t, 1024), "devicePath": "/dev/sdz",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestFlashDeviceBusy(t *testing.T) {
	env := newTestEnv(t, twoDevices(), fakeDDFlasher(t, okDD))
	if !env.deps.Pipeline.TryAcquire("/dev/sdb") {
		t.Fatal("could not pre-acquire lock")
	}
	defer env.deps.Pipeline.Release("/dev/sdb")

	resp := postJSON(t, env.srv.URL+"/api/v1/flash", map[string]string{
		"imagePath": writeImage(t, 1024), "devicePath": "/dev/sdb",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "device_busy" {
		t.Fatalf("error code = %q", code)
	}
}

func TestExtendPartialSuccessBody(t *testing.T) {
	env := newTestEnv(t, twoDevices(), fakeDDFlasher(t, okDD))
	env.ex.res = extend.Result{
		Succeeded:        false,
		PartitionResized: true,
		PartitionPath:    "/dev/sdb3",
		Message:          "partition grown but filesystem resize failed",
	}

	resp := postJSON(t, env.srv.URL+"/api/v1/extend", map[string]any{
		"devicePath": "/dev/sdb", "partitionIndex": 3,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var res extend.Result
	decodeBody(t, resp, &res)
	if res.Succeeded || !res.PartitionResized {
		t.Fatalf("partial outcome lost: %+v", res)
	}
}

func TestEjectBusyConflict(t *testing.T) {
	env := newTestEnv(t, twoDevices(), fakeDDFlasher(t, okDD))
	env.ej.err = &eject.BusyError{Device: "/dev/sdb", Detail: "target is busy"}

	resp := postJSON(t, env.srv.URL+"/api/v1/eject", map[string]string{"devicePath": "/dev/sdb"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "device_busy" {
		t.Fatalf("error code = %q", code)
	}
}

func TestEjectSuccess(t *testing.T) {
	env := newTestEnv(t, twoDevices(), fakeDDFlasher(t, okDD))
	resp := postJSON(t, env.srv.URL+"/api/v1/eject", map[string]string{"devicePath": "/dev/sdb"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var res pipeline.Result
	decodeBody(t, resp, &res)
	if !res.Success {
		t.Fatalf("eject reported failure: %s", res.Message)
	}
	if env.ej.calls != 1 {
		t.Fatalf("ejector called %d times", env.ej.calls)
	}
}

func TestPipelineJobLifecycle(t *testing.T) {
	env := newTestEnv(t, twoDevices(), fakeDDFlasher(t, okDD))
	resp := postJSON(t, env.srv.URL+"/api/v1/pipeline", pipeline.Request{
		ImagePath:      writeImage(t, 1024),
		DevicePath:     "/dev/sdb",
		PartitionIndex: 3,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var accepted struct {
		JobID string `json:"jobId"`
	}
	decodeBody(t, resp, &accepted)

	job := waitJob(t, env.deps.Jobs, accepted.JobID)
	if job.Status != JobStatusCompleted {
		t.Fatalf("pipeline job failed: %v", job.Error)
	}
	if env.ex.calls != 1 || env.ej.calls != 1 {
		t.Fatalf("extend/eject ran %d/%d times", env.ex.calls, env.ej.calls)
	}
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t, twoDevices(), fakeDDFlasher(t, okDD))
	resp, err := http.Get(env.srv.URL + "/api/v1/jobs/" + "does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRecentJobsOrdering(t *testing.T) {
	store := NewJobStore()
	first := store.Create("flash")
	store.Finish(first.ID, true, "done")
	time.Sleep(1100 * time.Millisecond) // RFC3339 second resolution
	second := store.Create("eject")

	recent := store.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("got %d jobs", len(recent))
	}
	if recent[0].ID != second.ID {
		t.Fatal("newest job must sort first")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, twoDevices(), fakeDDFlasher(t, okDD))
	env.deps.Metrics.observe("flash", true)
	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
