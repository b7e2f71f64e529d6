// Command plcd is the example gateway daemon: it loads a
// plcconfig.GatewayList, interns one plc.PLC per configured gateway via
// the registry, and serves an HTTP status endpoint over chi reporting each
// PLC's connection state. It does not parse tags — that is a family
// layer's job, not the core's.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"plcconn/logixlayer"
	"plcconn/plc"
	"plcconn/plcconfig"
	"plcconn/plclog"
	"plcconn/plcnet"
	"plcconn/plctimer"
	"plcconn/s7layer"
)

var familyConstructors = map[string]plc.Constructor{
	"logix": logixlayer.Family,
	"s7":    s7layer.Family,
}

func main() {
	configPath := flag.String("config", "plcd.yaml", "path to the gateway list YAML file")
	listenAddr := flag.String("listen", ":8080", "HTTP status endpoint address")
	logPath := flag.String("log", "", "debug log file (empty disables logging)")
	flag.Parse()

	if *logPath != "" {
		logger, err := plclog.New(*logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "plcd: open log: %v\n", err)
			os.Exit(1)
		}
		plclog.SetGlobal(logger)
		defer logger.Close()
	}

	gateways, err := plcconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plcd: load %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	registry := plc.NewRegistry()
	loop := plcnet.NewEventLoop(64)
	defer loop.Stop()
	sockFac := plcnet.Factory{Loop: loop}
	timerFac := plctimer.Factory{}
	clock := plctimer.SystemClock{}

	handles := make(map[string]*plc.PLC, len(gateways.Gateways))
	for _, gw := range gateways.Gateways {
		ctor, ok := familyConstructors[gw.Family]
		if !ok {
			fmt.Fprintf(os.Stderr, "plcd: gateway %q: unknown family %q\n", gw.Name, gw.Family)
			os.Exit(1)
		}

		p, st := registry.GetOrCreate(gw.Family, gw.Attrs(), sockFac, timerFac, clock, ctor)
		if st != plc.OK {
			fmt.Fprintf(os.Stderr, "plcd: gateway %q: %v\n", gw.Name, st)
			os.Exit(1)
		}
		handles[gw.Name] = p
	}

	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Get("/plcs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, statusReport(handles))
	})
	router.Get("/plcs/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		p, ok := handles[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, plcStatus(name, p))
	})

	fmt.Fprintf(os.Stderr, "plcd: serving %d gateway(s) on %s\n", len(handles), *listenAddr)
	if err := http.ListenAndServe(*listenAddr, router); err != nil {
		fmt.Fprintf(os.Stderr, "plcd: %v\n", err)
		os.Exit(1)
	}
}

// gatewayStatus is the debug surface the core can actually report: no tag
// values, since the core doesn't parse tags.
type gatewayStatus struct {
	Name            string `json:"name"`
	Key             string `json:"key"`
	IsConnected     bool   `json:"is_connected"`
	CurrentState    string `json:"current_state"`
	RetryIntervalMS int    `json:"retry_interval_ms"`
	QueueDepth      int    `json:"queue_depth"`
}

func plcStatus(name string, p *plc.PLC) gatewayStatus {
	connected := p.IsConnected()
	state := "connecting"
	if connected {
		state = "connected"
	}
	return gatewayStatus{
		Name:            name,
		Key:             p.Key(),
		IsConnected:     connected,
		CurrentState:    state,
		RetryIntervalMS: p.RetryIntervalMS(),
		QueueDepth:      p.QueueLen(),
	}
}

func statusReport(handles map[string]*plc.PLC) []gatewayStatus {
	report := make([]gatewayStatus, 0, len(handles))
	for name, p := range handles {
		report = append(report, plcStatus(name, p))
	}
	return report
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
