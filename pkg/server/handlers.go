package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/auth"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/knowledge"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/version"
)

// maxUploadBytes bounds a single knowledge upload.
const maxUploadBytes = 32 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentialRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type credentialResponse struct {
	Token  string       `json:"token"`
	Caller *auth.Caller `json:"caller"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	token, caller, err := s.credentials.Signup(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, credentialResponse{Token: token, Caller: caller})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	token, caller, err := s.credentials.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialResponse{Token: token, Caller: caller})
}

// capability is the public shape of a specialist descriptor.
type capability struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	Capabilities string   `json:"capabilities"`
	Tools        []string `json:"tools,omitempty"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	caps := make([]capability, 0)
	for _, d := range s.registry.ListCapabilities() {
		caps = append(caps, capability{
			Name:         d.Name,
			Kind:         string(d.Kind),
			Capabilities: d.Capabilities,
			Tools:        d.ToolRequirements,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":      version.Get(),
		"capabilities": caps,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, fault.New(fault.Malformed, "server.ListSessions", "limit must be a positive integer"))
			return
		}
		limit = n
	}

	page, err := s.sessions.List(r.Context(), caller.ID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())

	sess, err := s.sessions.Load(r.Context(), caller.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())

	if err := s.sessions.Delete(r.Context(), caller.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())

	memories, err := s.memories.List(r.Context(), caller.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())

	if err := s.memories.Delete(r.Context(), caller.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadKnowledge(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, fault.Wrap(fault.Malformed, "server.UploadKnowledge", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fault.New(fault.Malformed, "server.UploadKnowledge", "missing file field"))
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, fault.Wrap(fault.Malformed, "server.UploadKnowledge", err))
		return
	}

	accessLevel := knowledge.AccessPrivate
	if shared, _ := strconv.ParseBool(r.FormValue("is_shared")); shared {
		if !caller.IsAdmin {
			writeError(w, fault.New(fault.Malformed, "server.UploadKnowledge",
				"is_shared requires an admin caller"))
			return
		}
		accessLevel = knowledge.AccessSharedAdmins
	}

	doc, err := s.knowledge.Upload(r.Context(), caller.ID, header.Filename, accessLevel, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (s *Server) handleListKnowledge(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())

	docs, err := s.knowledge.List(r.Context(), caller.ID, caller.IsAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGetKnowledge(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())

	doc, err := s.knowledge.Get(r.Context(), caller.ID, caller.IsAdmin, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())

	if err := s.knowledge.Delete(r.Context(), caller.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type connectionRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetConnection(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())

	var req connectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	provider := chi.URLParam(r, "provider")
	if err := s.bridge.SetConnection(r.Context(), caller.ID, provider, req.Status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Wrap(fault.Malformed, "server.decode", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a fault kind to its HTTP shape. Ownership is reported
// as NotFound so foreign resources are indistinguishable from absent ones.
func writeError(w http.ResponseWriter, err error) {
	kind := fault.External(fault.KindOf(err))
	if kind == fault.Busy {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(kind)})
}
