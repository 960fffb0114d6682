package server

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/BitHighlander/keepkey-vault-v6/internal/enumerator"
	"github.com/BitHighlander/keepkey-vault-v6/internal/eventbus"
	"github.com/BitHighlander/keepkey-vault-v6/internal/queue"
	"github.com/BitHighlander/keepkey-vault-v6/internal/transport"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
	"github.com/BitHighlander/keepkey-vault-v6/internal/worker"
)

func testDesc(id string) transport.Descriptor {
	return transport.Descriptor{DeviceID: id, VendorID: 0x2B24, ProductID: 0x0002, Kind: transport.KindHID}
}

func featuresScript() []transport.MockReply {
	f := &wirecodec.Features{MajorVersion: 7}
	replies := make([]transport.MockReply, 10)
	for i := range replies {
		replies[i] = transport.MockReply{Type: uint16(wirecodec.MessageFeatures), Payload: f.Marshal()}
	}
	return replies
}

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	opener := transport.NewMockOpener(featuresScript)
	scanner := enumerator.ScannerFunc(func() ([]transport.Descriptor, error) {
		return []transport.Descriptor{testDesc("A")}, nil
	})
	enum := enumerator.New(scanner, 5*time.Millisecond, time.Second, nil)
	enum.Start()

	deadline := time.Now().Add(time.Second)
	for len(enum.Snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	bus := eventbus.New(64, zerolog.Nop())
	mgr := queue.New(enum, opener, worker.DefaultConfig(), bus, nil, nil)

	srv := New("127.0.0.1:0", mgr, bus, nil, zerolog.Nop(), &bytes.Buffer{})
	cleanup := func() {
		mgr.Close()
		enum.Stop()
	}
	return srv, cleanup
}

func TestHandleCallGetFeatures(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest("POST", "/devices/A/call/get_features", nil)
	req = mux.SetURLVars(req, map[string]string{"device_id": "A", "op": "get_features"})
	w := httptest.NewRecorder()

	srv.handleCall(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp callResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
}

func TestHandleCallUnknownDevice(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest("POST", "/devices/ghost/call/get_features", nil)
	req = mux.SetURLVars(req, map[string]string{"device_id": "ghost", "op": "get_features"})
	w := httptest.NewRecorder()

	srv.handleCall(w, req)

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleListDevices(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/devices", nil)
	w := httptest.NewRecorder()

	srv.handleListDevices(w, req)

	var devs []transport.Descriptor
	if err := json.Unmarshal(w.Body.Bytes(), &devs); err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 || devs[0].DeviceID != "A" {
		t.Fatalf("devs = %+v", devs)
	}
}
