/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Server reports Stats over http: JSON on / and /counters, Prometheus on /metrics
type Server struct {
	stats    *Stats
	sys      SysStats
	registry *prometheus.Registry
}

// NewServer creates a Server for s
func NewServer(s *Stats) *Server {
	srv := &Server{
		stats:    s,
		registry: prometheus.NewRegistry(),
	}
	srv.registry.MustRegister(NewCollector(s))
	return srv
}

// Handler returns the http handler serving every endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRootRequest)
	mux.HandleFunc("/counters", s.handleRootRequest)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Run collects process statistics every interval and serves http on monitoringport until ctx is done
func (s *Server) Run(ctx context.Context, monitoringport int, interval time.Duration) error {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.stats.CollectSysStats(&s.sys, interval); err != nil {
					log.Warningf("failed to get system metrics %s", err)
				}
			}
		}
	}()

	addr := fmt.Sprintf(":%d", monitoringport)
	hs := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		if err := hs.Close(); err != nil {
			log.Errorf("failed to stop http server: %v", err)
		}
	}()
	log.Infof("Starting http json server on %s", addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving stats: %w", err)
	}
	return nil
}

// handleRootRequest is a handler used for all http monitoring requests
func (s *Server) handleRootRequest(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(s.stats.GetCounters())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

// FetchCounters returns counters served by a stats server at url
func FetchCounters(url string) (map[string]int64, error) {
	c := http.Client{Timeout: 2 * time.Second}
	resp, err := c.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", url, resp.Status)
	}
	counters := map[string]int64{}
	if err := json.NewDecoder(resp.Body).Decode(&counters); err != nil {
		return nil, err
	}
	return counters, nil
}
