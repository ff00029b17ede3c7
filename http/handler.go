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
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/query"
	"github.com/pkg/errors"
)

// maxRequestBody limits the size of a posted query.
const maxRequestBody = 1 << 20

type handler struct {
	engine  *query.Engine
	log     pubsafe.Logger
	metrics http.Handler
	router  *mux.Router
}

// HandlerOption is a functional option type for Handler.
type HandlerOption func(h *handler)

// OptHandlerLogger sets the logger used to report internal failures.
func OptHandlerLogger(l pubsafe.Logger) HandlerOption {
	return func(h *handler) {
		h.log = l
	}
}

// OptHandlerMetrics serves m at /metrics.
func OptHandlerMetrics(m http.Handler) HandlerOption {
	return func(h *handler) {
		h.metrics = m
	}
}

// Handler returns the query API of e.
func Handler(e *query.Engine, opts ...HandlerOption) http.Handler {
	h := &handler{
		engine: e,
		log:    pubsafe.NopLogger{},
		router: mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.router.HandleFunc("/schema", h.getSchema).Methods("GET").Name("GetSchema")
	h.router.HandleFunc("/query", h.postQuery).Methods("POST").Name("PostQuery")
	h.router.HandleFunc("/views", h.getViews).Methods("GET").Name("GetViews")
	h.router.HandleFunc("/views/{name}", h.getView).Methods("GET").Name("GetView")
	if h.metrics != nil {
		h.router.Handle("/metrics", h.metrics).Methods("GET").Name("GetMetrics")
	}
	return h.router
}

// GET /schema
func (h *handler) getSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := h.engine.Schema()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, schema)
}

// POST /query
func (h *handler) postQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		h.writeError(w, errors.Wrap(err, "reading request body"))
		return
	}
	if len(body) > maxRequestBody {
		h.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large", Kind: "bad_request"})
		return
	}
	req, err := query.ParseRequest(body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.engine.Query(r.Context(), *req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type viewInfo struct {
	Name string `json:"name"`
	Help string `json:"help"`
}

// GET /views
func (h *handler) getViews(w http.ResponseWriter, r *http.Request) {
	infos := make([]viewInfo, 0, len(query.Views))
	for _, name := range query.ViewNames() {
		v, _ := query.LookupView(name)
		infos = append(infos, viewInfo{Name: v.Name, Help: v.Help})
	}
	h.writeJSON(w, http.StatusOK, infos)
}

// GET /views/{name}
func (h *handler) getView(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	params, err := viewParams(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "bad_request"})
		return
	}
	res, err := h.engine.View(r.Context(), name, params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func viewParams(r *http.Request) (query.Params, error) {
	var p query.Params
	q := r.URL.Query()
	ints := []struct {
		key string
		dst *int
	}{
		{"year_min", &p.YearMin},
		{"year_max", &p.YearMax},
	}
	for _, i := range ints {
		s := q.Get(i.key)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return p, errors.Errorf("parameter %s: '%s' is not an integer", i.key, s)
		}
		*i.dst = n
	}
	p.Agency = q.Get("agency")
	p.CrimeAgainst = q.Get("crime_against")
	if s := q.Get("priority"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return p, errors.Errorf("parameter priority: '%s' is not an integer", s)
		}
		p.Priority = &n
	}
	return p, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusOf maps a query failure kind to an HTTP status.
func statusOf(kind string) int {
	switch kind {
	case "unsupported_field", "bad_request":
		return http.StatusBadRequest
	case "resource_exceeded":
		return http.StatusInsufficientStorage
	case "timeout":
		return http.StatusGatewayTimeout
	case "no_snapshot", "retired":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	kind := query.FailureKind(err)
	status := statusOf(kind)
	if status == http.StatusInternalServerError {
		h.log.Errorf("query failed: %v", err)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Printf("writing response: %v", err)
	}
}
