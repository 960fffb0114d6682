// Package server exposes the device transport and queue core over
// HTTP: one JSON command endpoint per named operation, a status debug
// page, and a websocket event feed off internal/eventbus. Built on a
// gorilla/mux subrouter, a gorilla/handlers logging wrapper, and a CORS
// middleware, with a typed, op-dispatching command surface rather than
// a single opaque call-passthrough endpoint.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/csrf"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/BitHighlander/keepkey-vault-v6/internal/eventbus"
	"github.com/BitHighlander/keepkey-vault-v6/internal/memorywriter"
	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/queue"
)

// Server is the HTTP command surface of the daemon.
type Server struct {
	https *http.Server
	mgr   *queue.Manager
	bus   *eventbus.Bus
	trace *memorywriter.MemoryWriter
	log   zerolog.Logger

	upgrader websocket.Upgrader
}

// New builds a Server bound to addr, dispatching commands through mgr
// and streaming events from bus. Registry persistence lives entirely
// in the Queue Manager (internal/queue), which is the component that
// actually observes Worker state transitions; the HTTP surface never
// touches the registry directly. trace backs the status page's trace
// tail; it may be nil. logWriter receives Apache-format access logs
// via handlers.LoggingHandler.
func New(addr string, mgr *queue.Manager, bus *eventbus.Bus, trace *memorywriter.MemoryWriter, log zerolog.Logger, logWriter io.Writer) *Server {
	s := &Server{
		mgr:   mgr,
		bus:   bus,
		trace: trace,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()

	sr := r.Methods("POST").Subrouter()
	sr.HandleFunc("/devices/{device_id}/call/{op}", s.handleCall)
	sr.HandleFunc("/devices/{device_id}/shutdown", s.handleShutdown)
	sr.HandleFunc("/listen", s.handleListen)

	gr := r.Methods("GET").Subrouter()
	gr.HandleFunc("/devices", s.handleListDevices)
	gr.HandleFunc("/status/", s.handleStatus)
	gr.HandleFunc("/events", s.handleEvents)

	csrfMW := csrf.Protect([]byte(csrfKey()), csrf.Secure(false), csrf.Path("/"))

	var h http.Handler = r
	h = CORS(localOriginValidator())(h)
	h = csrfMW(h)
	h = handlers.LoggingHandler(logWriter, h)

	s.https = &http.Server{Addr: addr, Handler: h}
	return s
}

// Run blocks serving HTTP until the server is closed.
func (s *Server) Run() error { return s.https.ListenAndServe() }

// Close shuts the HTTP server down.
func (s *Server) Close() error { return s.https.Close() }

// csrfKey is a fixed, hardcoded key; a production deployment would load
// this from config instead of hardcoding it.
func csrfKey() string { return "keepkey-vault-v6-csrf-signing-key-32b!!" }

type callRequest struct {
	Args           json.RawMessage `json:"args"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

type callResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

var opArgDecoders = map[opset.Op]func(json.RawMessage) (interface{}, error){}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID := vars["device_id"]
	op := opset.Op(vars["op"])

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, err)
		return
	}
	defer r.Body.Close()

	var args interface{}
	if decode, ok := opArgDecoders[op]; ok {
		a, err := decode(req.Args)
		if err != nil {
			respondError(w, err)
			return
		}
		args = a
	}

	timeout := 30 * time.Second
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	res, err := s.mgr.Submit(deviceID, op, args, time.Now().Add(timeout), r.Context().Done())
	if err != nil {
		respondError(w, err)
		return
	}
	if res.Err != nil {
		respondError(w, res.Err)
		return
	}
	json.NewEncoder(w).Encode(callResponse{Result: res.Value})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	s.mgr.Shutdown(deviceID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.mgr.ListDevices())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer sub.Close()

	for ev := range sub.Events() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
