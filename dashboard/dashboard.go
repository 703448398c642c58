// Package dashboard serves the metrics endpoint on its own port.
package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"wa-gateway/session"
)

type Dashboard struct {
	supervisor *session.Supervisor
	srv        *http.Server
	log        zerolog.Logger
}

func New(port int, supervisor *session.Supervisor, log zerolog.Logger) *Dashboard {
	d := &Dashboard{
		supervisor: supervisor,
		log:        log.With().Str("component", "dashboard").Logger(),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", d.stats)

	d.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return d
}

func (d *Dashboard) Start() {
	go func() {
		d.log.Info().Str("addr", d.srv.Addr).Msg("metrics dashboard listening")
		if err := d.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error().Err(err).Msg("dashboard server failed")
		}
	}()
}

func (d *Dashboard) Stop() error {
	return d.srv.Close()
}

func (d *Dashboard) stats(w http.ResponseWriter, r *http.Request) {
	snapshots := d.supervisor.Sessions()
	byStatus := make(map[string]int)
	for _, s := range snapshots {
		byStatus[string(s.Status)]++
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"sessions": snapshots,
		"byStatus": byStatus,
		"total":    len(snapshots),
	})
}
