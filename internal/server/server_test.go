package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	partbackup "github.com/httprunner/PartitionBackup"
	"github.com/httprunner/PartitionBackup/internal/shelltest"
)

type stubLister map[string]partbackup.Mode

func (s stubLister) ListDevicesWithState(context.Context) (map[string]partbackup.Mode, error) {
	return s, nil
}

type stubHistory struct {
	serial string
	limit  int
}

func (h *stubHistory) Recent(_ context.Context, serial string, limit int) ([]partbackup.JobRecord, error) {
	h.serial, h.limit = serial, limit
	return []partbackup.JobRecord{{JobID: "job-1", Serial: serial, State: "completed"}}, nil
}

func newTestServer(t *testing.T, fake *shelltest.Shell, mutate func(*Config)) (*Server, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := Config{
		Factory: func(serial string) (*partbackup.Orchestrator, error) {
			return partbackup.NewOrchestrator(partbackup.Config{Serial: serial, Shell: fake, ShutdownGrace: 50 * time.Millisecond})
		},
		Probe:  partbackup.NewProbe(time.Second, fake),
		OutDir: t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, s.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var resp map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, resp
}

func waitTab(t *testing.T, s *Server, serial string) {
	t.Helper()
	tb, err := s.tab(serial)
	if err != nil {
		t.Fatalf("tab: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tb.orch.Wait(ctx); err != nil {
		t.Fatalf("wait for %s: %v", serial, err)
	}
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t, shelltest.New(), nil)
	w, resp := do(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || resp["status"] != "ok" {
		t.Fatalf("health = %d %v", w.Code, resp)
	}
}

func TestDeviceMode(t *testing.T) {
	fake := shelltest.New()
	fake.SetMode(partbackup.ModeBootloader)
	_, h := newTestServer(t, fake, nil)

	w, resp := do(t, h, http.MethodGet, "/devices/FAKE0001/mode", nil)
	if w.Code != http.StatusOK || resp["mode"] != string(partbackup.ModeBootloader) {
		t.Fatalf("mode = %d %v", w.Code, resp)
	}
	_, resp = do(t, h, http.MethodGet, "/devices/OTHER/mode", nil)
	if resp["mode"] != string(partbackup.ModeNone) {
		t.Fatalf("unknown serial mode = %v", resp["mode"])
	}
}

func TestScanThenBackupDefaultSelection(t *testing.T) {
	fake := shelltest.New("boot_a", "boot_b", "userdata")
	s, h := newTestServer(t, fake, nil)

	w, _ := do(t, h, http.MethodPost, "/devices/FAKE0001/scan", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("scan = %d %s", w.Code, w.Body.String())
	}
	waitTab(t, s, "FAKE0001")

	w, _ = do(t, h, http.MethodGet, "/devices/FAKE0001/partitions", nil)
	var parts struct {
		State      partbackup.JobState          `json:"state"`
		Partitions []partbackup.PartitionRecord `json:"partitions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &parts); err != nil {
		t.Fatalf("decode partitions: %v", err)
	}
	if parts.State != partbackup.StateAwaitingSelection || len(parts.Partitions) != 3 || !parts.Partitions[2].Risky {
		t.Fatalf("partitions = %+v", parts)
	}

	w, _ = do(t, h, http.MethodPost, "/devices/FAKE0001/backup", BackupBody{})
	if w.Code != http.StatusAccepted {
		t.Fatalf("backup = %d %s", w.Code, w.Body.String())
	}
	waitTab(t, s, "FAKE0001")

	w, _ = do(t, h, http.MethodGet, "/devices/FAKE0001/status", nil)
	var st Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != partbackup.StateCompleted || st.Busy || st.LastResult == nil {
		t.Fatalf("status = %+v", st)
	}
	if !slices.Equal(st.LastResult.Succeeded, []string{"boot_a", "boot_b"}) {
		t.Fatalf("succeeded = %v", st.LastResult.Succeeded)
	}
}

func TestBackupErrorsMapToStatusCodes(t *testing.T) {
	fake := shelltest.New("boot_a")
	s, h := newTestServer(t, fake, nil)

	w, resp := do(t, h, http.MethodPost, "/devices/FAKE0001/backup", BackupBody{Partitions: []string{"boot_a"}})
	if w.Code != http.StatusBadRequest || resp["kind"] != string(partbackup.KindInvalidRequest) {
		t.Fatalf("backup before scan = %d %v", w.Code, resp)
	}

	do(t, h, http.MethodPost, "/devices/FAKE0001/scan", nil)
	waitTab(t, s, "FAKE0001")

	fake.SetMode(partbackup.ModeRecovery)
	w, resp = do(t, h, http.MethodPost, "/devices/FAKE0001/backup", BackupBody{Partitions: []string{"boot_a"}})
	if w.Code != http.StatusPreconditionFailed || resp["kind"] != string(partbackup.KindWrongMode) {
		t.Fatalf("backup in recovery = %d %v", w.Code, resp)
	}

	req := httptest.NewRequest(http.MethodPost, "/devices/FAKE0001/backup", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body = %d", rec.Code)
	}
}

func TestBusyAndCancel(t *testing.T) {
	fake := shelltest.New("boot_a", "boot_b")
	release := make(chan struct{})
	fake.OnImage = func(string) { <-release }
	s, h := newTestServer(t, fake, nil)

	do(t, h, http.MethodPost, "/devices/FAKE0001/scan", nil)
	waitTab(t, s, "FAKE0001")

	compress := false
	w, _ := do(t, h, http.MethodPost, "/devices/FAKE0001/backup", BackupBody{Compress: &compress})
	if w.Code != http.StatusAccepted {
		t.Fatalf("backup = %d %s", w.Code, w.Body.String())
	}
	w, resp := do(t, h, http.MethodPost, "/devices/FAKE0001/scan", nil)
	if w.Code != http.StatusConflict || resp["kind"] != string(partbackup.KindBusy) {
		t.Fatalf("scan while busy = %d %v", w.Code, resp)
	}

	w, resp = do(t, h, http.MethodPost, "/devices/FAKE0001/cancel", nil)
	if w.Code != http.StatusOK || resp["cancel_requested"] != true {
		t.Fatalf("cancel = %d %v", w.Code, resp)
	}
	close(release)
	waitTab(t, s, "FAKE0001")

	_, resp = do(t, h, http.MethodGet, "/devices/FAKE0001/status", nil)
	if resp["state"] != string(partbackup.StateCancelled) {
		t.Fatalf("state after cancel = %v", resp["state"])
	}
}

func TestDevicesAndHistory(t *testing.T) {
	_, h := newTestServer(t, shelltest.New(), nil)
	if w, _ := do(t, h, http.MethodGet, "/devices", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured devices = %d", w.Code)
	}

	history := &stubHistory{}
	_, h = newTestServer(t, shelltest.New(), func(cfg *Config) {
		cfg.Devices = partbackup.NewDeviceMonitor(stubLister{"FAKE0001": partbackup.ModeSystem, "BL01": partbackup.ModeBootloader}, nil)
		cfg.History = history
	})
	w, _ := do(t, h, http.MethodGet, "/devices", nil)
	var listing struct {
		Devices []partbackup.DeviceStatus `json:"devices"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if w.Code != http.StatusOK || len(listing.Devices) != 2 || listing.Devices[0].Serial != "BL01" || listing.Devices[0].Mode != partbackup.ModeBootloader {
		t.Fatalf("devices = %d %+v", w.Code, listing.Devices)
	}

	w, resp := do(t, h, http.MethodGet, "/history?serial=FAKE0001&limit=5", nil)
	jobs, _ := resp["jobs"].([]any)
	if w.Code != http.StatusOK || len(jobs) != 1 || history.serial != "FAKE0001" || history.limit != 5 {
		t.Fatalf("history = %d %v (serial=%q limit=%d)", w.Code, resp, history.serial, history.limit)
	}
}

func TestAllowlistRejectsOtherSerials(t *testing.T) {
	fake := shelltest.New("boot_a")
	monitor := partbackup.NewDeviceMonitor(stubLister{"FAKE0001": partbackup.ModeSystem}, []string{"FAKE0001"})
	s, h := newTestServer(t, fake, func(cfg *Config) { cfg.Devices = monitor })

	if w, _ := do(t, h, http.MethodPost, "/devices/OTHER/scan", nil); w.Code != http.StatusForbidden {
		t.Fatalf("scan of foreign serial = %d", w.Code)
	}
	if w, _ := do(t, h, http.MethodGet, "/devices/OTHER/mode", nil); w.Code != http.StatusForbidden {
		t.Fatalf("mode of foreign serial = %d", w.Code)
	}

	do(t, h, http.MethodGet, "/devices", nil)
	if w, _ := do(t, h, http.MethodPost, "/devices/FAKE0001/scan", nil); w.Code != http.StatusAccepted {
		t.Fatalf("scan of allowed serial = %d", w.Code)
	}
	waitTab(t, s, "FAKE0001")
	if snap := monitor.Snapshot(); len(snap) != 1 || snap[0].Serial != "FAKE0001" {
		t.Fatalf("monitor snapshot = %+v", snap)
	}
}
