package main

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/failsafe/internal/coordinator"
)

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>Redis Configuration Server</title></head>
<body>
<h1>Redis Configuration Server</h1>
<table>
<tr><th>Configured client ids</th><td>{{range .ConfiguredClientIDs}}{{.}} {{end}}</td></tr>
<tr><th>Unknown client ids</th><td>{{range .UnknownClientIDs}}{{.}} {{end}}</td></tr>
<tr><th>Unseen client ids</th><td>{{range .UnseenClientIDs}}{{.}} {{end}}</td></tr>
<tr><th>Unresponsive clients</th><td>{{range .UnresponsiveClients}}{{.}}<br>{{end}}</td></tr>
<tr><th>Notification channels</th><td>{{.NotificationChannels}}</td></tr>
</table>
{{range .RedisSystems}}
<h2>{{.SystemName}}</h2>
<table>
<tr><th>Configured redis servers</th><td>{{range .ConfiguredRedisServers}}{{.}} {{end}}</td></tr>
<tr><th>Redis master</th><td>{{.RedisMaster}}</td></tr>
<tr><th>Redis master available</th><td>{{.RedisMasterAvailable}}</td></tr>
<tr><th>Available slaves</th><td>{{range .RedisSlavesAvailable}}{{.}} {{end}}</td></tr>
<tr><th>Switch in progress</th><td>{{.SwitchInProgress}}</td></tr>
</table>
<table>
<tr><th>Redis server</th><th>Role</th><th>Status</th><th>Failed checks</th></tr>
{{range .Nodes}}<tr><td>{{.Addr}}</td><td>{{.Role}}</td><td>{{.Status}}</td><td>{{.ConsecutiveFails}}</td></tr>
{{end}}</table>
{{if not .RedisMasterAvailable}}{{if not .SwitchInProgress}}
<form name="masterswitch" method="post" action="/initiate_master_switch">
<input type="hidden" name="system_name" value="{{.SystemName}}">
<input type="submit" value="Initiate master switch">
</form>
{{end}}{{end}}
{{end}}
</body>
</html>
`))

// httpServer serves the status pages, the switch endpoint and the websocket channels.
type httpServer struct {
	srv *coordinator.Server
	reg *prometheus.Registry
	log *zap.SugaredLogger
}

func newHTTPServer(srv *coordinator.Server, reg *prometheus.Registry, log *zap.Logger) *httpServer {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &httpServer{srv: srv, reg: reg, log: log.Sugar()}
}

func (h *httpServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", h.handleHTML).Methods(http.MethodGet)
	r.HandleFunc("/.html", h.handleHTML).Methods(http.MethodGet)
	r.HandleFunc("/.txt", h.handleText).Methods(http.MethodGet)
	r.HandleFunc("/.json", h.handleJSON).Methods(http.MethodGet)
	r.HandleFunc("/initiate_master_switch", h.handleInitiateMasterSwitch).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(h.reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/configuration", h.srv.Hub().ServeConfiguration)
	r.HandleFunc("/notifications", h.srv.Hub().ServeNotifications)
	return r
}

func (h *httpServer) handleHTML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, h.srv.Status()); err != nil {
		h.log.Errorf("Rendering status page: %v", err)
	}
}

func (h *httpServer) handleText(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(h.srv.Registry().Content()))
}

func (h *httpServer) handleJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.srv.Status())
}

func (h *httpServer) handleInitiateMasterSwitch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	system := r.FormValue("system_name")
	if system == "" && len(h.srv.Systems()) > 1 {
		http.Error(w, "Missing system_name parameter", http.StatusBadRequest)
		return
	}

	started, err := h.srv.InitiateMasterSwitch(r.Context(), system)
	switch {
	case errors.Is(err, coordinator.ErrUnknownSystem):
		http.Error(w, fmt.Sprintf("Master switch not possible for unknown system: '%s'", system), http.StatusBadRequest)
	case err != nil:
		h.log.Errorf("Initiating master switch: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case started:
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("Master switch initiated"))
	default:
		_, _ = w.Write([]byte("No master switch necessary"))
	}
}
