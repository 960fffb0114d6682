package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"reflect"
	"sort"
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/queue"
	"github.com/BitHighlander/keepkey-vault-v6/internal/transport"
)

// statusTemplate is a plain operator-facing HTML view listing attached
// devices, each live Worker's Transport state, and a tail of the
// memory-writer trace, all served under /status/ with no client-side
// framework.
var statusTemplate = template.Must(template.New("status").Parse(`<!doctype html>
<html>
<head><title>keepkeyd status</title></head>
<body>
<h1>Attached devices</h1>
<table border="1" cellpadding="4">
<tr><th>device_id</th><th>vendor</th><th>product</th><th>kind</th></tr>
{{range .Devices}}
<tr><td>{{.DeviceID}}</td><td>{{printf "%#04x" .VendorID}}</td><td>{{printf "%#04x" .ProductID}}</td><td>{{.Kind}}</td></tr>
{{end}}
</table>
<h1>Workers</h1>
<table border="1" cellpadding="4">
<tr><th>device_id</th><th>bootloader_mode</th><th>label</th><th>fw version</th></tr>
{{range .Workers}}
<tr><td>{{.Descriptor.DeviceID}}</td><td>{{if .Features}}{{.Features.BootloaderMode}}{{end}}</td><td>{{if .Features}}{{.Features.Label}}{{end}}</td><td>{{if .Features}}{{.Features.MajorVersion}}.{{.Features.MinorVersion}}.{{.Features.PatchVersion}}{{end}}</td></tr>
{{end}}
</table>
<h1>Trace (most recent first)</h1>
<pre>{{range .Trace}}{{.}}{{end}}</pre>
</body>
</html>`))

type statusPage struct {
	Devices []transport.Descriptor
	Workers []queue.WorkerStatus
	Trace   []string
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var tail []string
	if s.trace != nil {
		tail = s.trace.Tail(200)
	}

	_ = statusTemplate.Execute(w, statusPage{
		Devices: s.mgr.ListDevices(),
		Workers: s.mgr.WorkerSnapshots(),
		Trace:   tail,
	})
}

// listenIterMax/listenIterDelay bound the long-poll loop below: poll
// ListDevices at a fixed cadence until the result differs from what
// the client already has, or the budget/client disconnect cuts the
// poll short.
const (
	listenIterMax   = 600
	listenIterDelay = 500 * time.Millisecond
)

// handleListen is a long-poll compatibility endpoint for older
// clients: the caller posts the device list it already has, and the
// response blocks until ListDevices() differs from it (or the poll
// budget/context expires), then returns the fresh list.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	var prior []transport.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&prior); err != nil && err.Error() != "EOF" {
		respondError(w, err)
		return
	}
	defer r.Body.Close()
	sortDescriptors(prior)

	ctx := r.Context()
	current := prior
	for i := 0; i < listenIterMax; i++ {
		current = s.mgr.ListDevices()
		sortDescriptors(current)

		if !reflect.DeepEqual(prior, current) {
			break
		}

		select {
		case <-ctx.Done():
			json.NewEncoder(w).Encode(current)
			return
		case <-time.After(listenIterDelay):
		}
	}

	json.NewEncoder(w).Encode(current)
}

func sortDescriptors(d []transport.Descriptor) {
	sort.Slice(d, func(i, j int) bool { return d[i].DeviceID < d[j].DeviceID })
}
