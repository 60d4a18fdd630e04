// Copyright 2025 WeAutoTools Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin exposes the quota administration surface over HTTP: config
// CRUD, batch enable/disable, subject counter reset, and remaining-usage
// lookup.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/flyer-me/weautotools/quota"
	"github.com/flyer-me/weautotools/quota/configstore"
	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Server handles the admin endpoints. It is not authenticated; deployments
// bind it to an internal interface.
type Server struct {
	store configstore.Store
	gate  *quota.Gate
}

// New builds a Server on top of the given store and gate.
func New(store configstore.Store, gate *quota.Gate) *Server {
	return &Server{store: store, gate: gate}
}

// Routes returns the admin router, mounted by the caller.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/quota", func(r chi.Router) {
		r.Get("/configs", s.handleListConfigs)
		r.Post("/configs", s.handleCreateConfig)
		r.Post("/configs/enabled", s.handleSetEnabled)
		r.Route("/configs/{id}", func(r chi.Router) {
			r.Put("/", s.handleUpdateConfig)
			r.Delete("/", s.handleDeleteConfig)
		})
		r.Route("/subjects/{subject}", func(r chi.Router) {
			r.Delete("/counters", s.handleResetCounters)
			r.Get("/resources/{resource}/remaining", s.handleRemainingUsage)
		})
	})
	return r
}

// configJSON is the wire form of a quota.Config, with enums as strings.
type configJSON struct {
	ID           int64  `json:"id,omitempty"`
	ScopeKind    string `json:"scopeKind"`
	Scope        string `json:"scope"`
	SubjectClass string `json:"subjectClass"`
	Window       string `json:"window"`
	Limit        int64  `json:"limit"`
	Enabled      bool   `json:"enabled"`
}

func toJSON(cfg *quota.Config) configJSON {
	return configJSON{
		ID:           cfg.ID,
		ScopeKind:    cfg.ScopeKind.String(),
		Scope:        cfg.Scope,
		SubjectClass: cfg.SubjectClass.String(),
		Window:       cfg.Window.String(),
		Limit:        cfg.Limit,
		Enabled:      cfg.Enabled,
	}
}

func fromJSON(in configJSON) (*quota.Config, error) {
	kind, err := quota.ParseScopeKind(in.ScopeKind)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	class, err := quota.ParseSubjectClass(in.SubjectClass)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	w, err := quota.ParseWindow(in.Window)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return &quota.Config{
		ID:           in.ID,
		ScopeKind:    kind,
		Scope:        in.Scope,
		SubjectClass: class,
		Window:       w,
		Limit:        in.Limit,
		Enabled:      in.Enabled,
	}, nil
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.store.ListConfigs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]configJSON, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, toJSON(cfg))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var in configJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "malformed config body: %v", err))
		return
	}
	cfg, err := fromJSON(in)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.store.CreateConfig(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJSON(created))
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "malformed config ID: %v", err))
		return
	}
	var in configJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "malformed config body: %v", err))
		return
	}
	cfg, err := fromJSON(in)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.UpdateConfig(r.Context(), id, func(c *quota.Config) {
		*c = *cfg
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(updated))
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "malformed config ID: %v", err))
		return
	}
	if err := s.store.DeleteConfig(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IDs     []int64 `json:"ids"`
		Enabled bool    `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "malformed batch body: %v", err))
		return
	}
	if len(in.IDs) == 0 {
		writeError(w, status.Error(codes.InvalidArgument, "ids required"))
		return
	}
	if err := s.store.SetEnabled(r.Context(), in.IDs, in.Enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetCounters(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if subject == "" {
		writeError(w, status.Error(codes.InvalidArgument, "subject required"))
		return
	}
	if err := s.gate.Reset(r.Context(), subject); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemainingUsage(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	resource := chi.URLParam(r, "resource")
	class := quota.Authenticated
	if c := r.URL.Query().Get("class"); c != "" {
		parsed, err := quota.ParseSubjectClass(c)
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "%v", err))
			return
		}
		class = parsed
	}

	remaining := s.gate.RemainingUsage(r.Context(), quota.Subject{Key: subject, Class: class}, resource)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject":   subject,
		"resource":  resource,
		"remaining": remaining,
		"unlimited": remaining == quota.Unlimited,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		klog.Warningf("admin: writing response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch status.Code(err) {
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	case codes.NotFound:
		code = http.StatusNotFound
	case codes.AlreadyExists:
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
