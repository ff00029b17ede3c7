// Copyright 2017 Pilosa Corp.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/logger"
	"github.com/pilosa/pubsafe/metrics"
	"github.com/pilosa/pubsafe/query"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Main holds the config for the serve command.
type Main struct {
	Bind            string           `toml:"bind" help:"Listen for query requests on this address."`
	ShutdownTimeout time.Duration    `toml:"shutdown-timeout" help:"How long to wait for running requests on shutdown."`
	Metrics         bool             `toml:"metrics" help:"Serve Prometheus metrics at /metrics."`
	Store           snapshot.Options `flag:"store" toml:"store"`
	Query           query.Config     `flag:"query" toml:"query"`
	LogPath         string           `toml:"log-path" help:"Log file to write to. Empty means stderr."`
	Verbose         bool             `toml:"verbose" help:"Enable debug logging."`

	// Started, if set, receives the address being listened on.
	Started chan<- net.Addr `flag:"-" toml:"-"`
}

// NewMain gets a new Main with default values.
func NewMain() *Main {
	return &Main{
		Bind:            ":12121",
		ShutdownTimeout: 10 * time.Second,
		Metrics:         true,
		Store:           snapshot.NewOptions(),
		Query:           query.NewConfig(),
	}
}

// Run serves queries until ctx is done.
func (m *Main) Run(ctx context.Context) (err error) {
	log, err := logger.New(m.LogPath, m.Verbose)
	if err != nil {
		return errors.Wrap(err, "creating logger")
	}
	defer log.Close()

	var stats pubsafe.Statter = pubsafe.NopStatter{}
	opts := []HandlerOption{OptHandlerLogger(log)}
	if m.Metrics {
		prom := metrics.NewPromStatter()
		stats = prom
		opts = append(opts, OptHandlerMetrics(prom.Handler()))
	}

	store, err := snapshot.Open(m.Store, snapshot.OptLogger(log))
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	engine, err := query.NewEngine(store, m.Query, query.OptLogger(log), query.OptStatter(stats))
	if err != nil {
		return errors.Wrap(err, "creating engine")
	}
	if _, err := store.Published(); err != nil {
		log.Warnf("nothing published yet in %s: %v", store.Dir(), err)
	}

	ln, err := net.Listen("tcp", m.Bind)
	if err != nil {
		return errors.Wrap(err, "listening")
	}
	log.Printf("listening on %s", ln.Addr())
	if m.Started != nil {
		m.Started <- ln.Addr()
	}

	srv := &http.Server{
		Handler:           Handler(engine, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			return errors.Wrap(err, "serving")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), m.ShutdownTimeout)
		defer scancel()
		return errors.Wrap(srv.Shutdown(sctx), "shutting down")
	})
	return eg.Wait()
}
