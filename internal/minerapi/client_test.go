package minerapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hashwatch/hashwatch-core/internal/device"
)

// hostOf strips the scheme from an httptest server URL so it can stand in
// for a device IP.
func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

const bitaxeInfoBody = `{
	"hostname": "bitaxe-garage",
	"hashRate": 512.5,
	"temp": 58.2,
	"version": "v2.4.1",
	"ASICModel": "BM1366",
	"stratumURL": "stratum.example.com",
	"stratumPort": 3333,
	"stratumUser": "bc1qworker.garage",
	"fallbackStratumURL": "backup.example.com",
	"fallbackStratumPort": 3333,
	"fallbackStratumUser": "bc1qworker.garage"
}`

const nerdminerStatusBody = `{
	"hostname": "nerdminer-shelf",
	"hashRate": 0.075,
	"temperature": 44.0,
	"poolUrl": "pool.example.com",
	"poolPort": 3333,
	"poolUser": "bc1qworker.shelf"
}`

func TestProbeBitaxe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/system/info" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(bitaxeInfoBody)) //nolint:errcheck
	}))
	defer srv.Close()

	client := New()
	snap, err := client.Probe(context.Background(), hostOf(srv))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}

	if snap.Type != device.TypeBitaxe {
		t.Errorf("type = %q, want %q", snap.Type, device.TypeBitaxe)
	}
	if snap.Hostname != "bitaxe-garage" {
		t.Errorf("hostname = %q, want bitaxe-garage", snap.Hostname)
	}
	if snap.Hashrate == nil || *snap.Hashrate != 512.5 {
		t.Errorf("hashrate = %v, want 512.5", snap.Hashrate)
	}
	if snap.FirmwareVersion == nil || *snap.FirmwareVersion != "v2.4.1" {
		t.Errorf("firmware = %v, want v2.4.1", snap.FirmwareVersion)
	}
	if snap.ASICModel == nil || *snap.ASICModel != "BM1366" {
		t.Errorf("asic = %v, want BM1366", snap.ASICModel)
	}
	if snap.StratumPrimary == nil || snap.StratumPrimary.URL != "stratum.example.com" {
		t.Errorf("stratum_primary = %+v", snap.StratumPrimary)
	}
	if snap.StratumFallback == nil || snap.StratumFallback.URL != "backup.example.com" {
		t.Errorf("stratum_fallback = %+v", snap.StratumFallback)
	}
}

func TestProbeNerdminerFallthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/system/info":
			http.NotFound(w, r)
		case "/api/status":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(nerdminerStatusBody)) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := New()
	snap, err := client.Probe(context.Background(), hostOf(srv))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}

	if snap.Type != device.TypeNerdminer {
		t.Errorf("type = %q, want %q", snap.Type, device.TypeNerdminer)
	}
	if snap.Hostname != "nerdminer-shelf" {
		t.Errorf("hostname = %q", snap.Hostname)
	}
	if snap.StratumPrimary == nil || snap.StratumPrimary.URL != "pool.example.com" {
		t.Errorf("stratum_primary = %+v", snap.StratumPrimary)
	}
}

func TestProbeNoKnownShape(t *testing.T) {
	// A web server that answers 200 with HTML on every path: alive, but
	// not a miner.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html><body>router admin</body></html>")) //nolint:errcheck
	}))
	defer srv.Close()

	client := New()
	_, err := client.Probe(context.Background(), hostOf(srv))
	if !errors.Is(err, ErrBadResponse) {
		t.Errorf("Probe() error = %v, want ErrBadResponse", err)
	}
}

func TestProbeMissingIdentityMarker(t *testing.T) {
	// Valid JSON on both endpoints but no hostname: partial payloads must
	// classify as bad response, not success with nulls.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"hashRate": 500.0}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := New()
	_, err := client.Probe(context.Background(), hostOf(srv))
	if !errors.Is(err, ErrBadResponse) {
		t.Errorf("Probe() error = %v, want ErrBadResponse", err)
	}
}

func TestProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(bitaxeInfoBody)) //nolint:errcheck
	}))
	defer srv.Close()

	client := New(WithProbeTimeout(50 * time.Millisecond))
	_, err := client.Probe(context.Background(), hostOf(srv))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Probe() error = %v, want ErrTimeout", err)
	}
}

func TestProbeCancellationNotClassified(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.Write([]byte(bitaxeInfoBody)) //nolint:errcheck
	}))
	defer srv.Close()
	// Unblock the handler before srv.Close waits on it.
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	client := New()
	_, err := client.Probe(ctx, hostOf(srv))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Probe() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("a cancelled probe must not be reported as a device timeout")
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := hostOf(srv)
	srv.Close() // nothing listening any more

	client := New()
	_, err := client.Probe(context.Background(), addr)
	if !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("Probe() error = %v, want ErrConnectionRefused", err)
	}
}

func testSettings() device.Settings {
	return device.Settings{
		Primary:  device.Stratum{URL: "stratum.example.com", Port: 3333, User: "bc1qworker"},
		Fallback: device.Stratum{URL: "backup.example.com", Port: 3333, User: "bc1qworker"},
	}
}

func TestPushConfig(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf) //nolint:errcheck
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New()
	if err := client.PushConfig(context.Background(), hostOf(srv), testSettings()); err != nil {
		t.Fatalf("PushConfig() error = %v", err)
	}

	if gotMethod != http.MethodPatch {
		t.Errorf("method = %q, want PATCH", gotMethod)
	}
	if gotPath != "/api/system" {
		t.Errorf("path = %q, want /api/system", gotPath)
	}
	for _, field := range []string{"stratumURL", "stratumPort", "stratumUser", "fallbackStratumURL", "fallbackStratumPort", "fallbackStratumUser"} {
		if !strings.Contains(gotBody, field) {
			t.Errorf("body missing field %q: %s", field, gotBody)
		}
	}
}

func TestPushConfigRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid stratum port", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := New()
	err := client.PushConfig(context.Background(), hostOf(srv), testSettings())
	if !errors.Is(err, ErrConfigRejected) {
		t.Fatalf("PushConfig() error = %v, want ErrConfigRejected", err)
	}
	if !strings.Contains(err.Error(), "invalid stratum port") {
		t.Errorf("error should carry the device's rejection detail, got: %v", err)
	}
}

func TestPushConfigTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(WithPushTimeout(50 * time.Millisecond))
	err := client.PushConfig(context.Background(), hostOf(srv), testSettings())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("PushConfig() error = %v, want ErrTimeout", err)
	}
}
