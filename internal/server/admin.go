package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	gateway "github.com/eugener/mithril/internal"
)

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// decodeBody parses a JSON request body into v, rejecting unknown garbage
// with a 400.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid JSON body"))
		return false
	}
	return true
}

// writeStoreErr maps a store error onto the response.
func writeStoreErr(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), errorResponse(err.Error()))
}

func pagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return offset, limit
}

// sinceParam parses the ?since= query, defaulting to the last 24 hours.
func sinceParam(r *http.Request) time.Time {
	if raw := r.URL.Query().Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Now().Add(-24 * time.Hour)
}

// --- Operator session ---

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// handleLogin exchanges operator credentials for a session token. Unknown
// emails and wrong passwords return the same generic 401 so the endpoint
// does not leak which accounts exist.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := s.deps.Store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid credentials"))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid credentials"))
		return
	}

	token, err := s.deps.Tokens.Issue(user.ID, time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// jwtAuth guards the admin surface with the operator session token.
func (s *server) jwtAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		token := strings.TrimPrefix(h, "Bearer ")
		if h == "" || token == h {
			writeJSON(w, http.StatusUnauthorized, errorResponse("missing bearer token"))
			return
		}
		if _, err := s.deps.Tokens.Verify(token); err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse("invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mountAdminRoutes wires the operator CRUD and stats surface.
func (s *server) mountAdminRoutes(r chi.Router) {
	r.Route("/providers", func(r chi.Router) {
		r.Get("/", s.handleListProviders)
		r.Post("/", s.handleCreateProvider)
		r.Get("/{id}", s.handleGetProvider)
		r.Put("/{id}", s.handleUpdateProvider)
		r.Delete("/{id}", s.handleDeleteProvider)

		r.Get("/{id}/endpoints", s.handleListEndpoints)
		r.Post("/{id}/endpoints", s.handleCreateEndpoint)
		r.Get("/{id}/keys", s.handleListProviderKeys)
		r.Post("/{id}/keys", s.handleCreateProviderKey)
	})
	r.Put("/endpoints/{id}", s.handleUpdateEndpoint)
	r.Delete("/endpoints/{id}", s.handleDeleteEndpoint)
	r.Put("/provider-keys/{id}", s.handleUpdateProviderKey)
	r.Delete("/provider-keys/{id}", s.handleDeleteProviderKey)

	r.Route("/aliases", func(r chi.Router) {
		r.Get("/", s.handleListAliases)
		r.Post("/", s.handleCreateAlias)
		r.Get("/{id}", s.handleGetAlias)
		r.Put("/{id}", s.handleUpdateAlias)
		r.Delete("/{id}", s.handleDeleteAlias)

		r.Get("/{id}/targets", s.handleListAliasTargets)
		r.Post("/{id}/targets", s.handleCreateAliasTarget)
	})
	r.Put("/alias-targets/{id}", s.handleUpdateAliasTarget)
	r.Delete("/alias-targets/{id}", s.handleDeleteAliasTarget)

	r.Route("/gateway-keys", func(r chi.Router) {
		r.Get("/", s.handleListGatewayKeys)
		r.Post("/", s.handleCreateGatewayKey)
		r.Get("/{id}", s.handleGetGatewayKey)
		r.Put("/{id}", s.handleUpdateGatewayKey)
		r.Delete("/{id}", s.handleDeleteGatewayKey)
		r.Get("/{id}/whitelist", s.handleGetWhitelist)
		r.Put("/{id}/whitelist", s.handleSetWhitelist)
	})

	r.Post("/users", s.handleCreateUser)

	r.Get("/request-logs", s.handleListRequestLogs)
	r.Get("/request-logs/{requestID}", s.handleGetRequestLog)

	r.Route("/stats", func(r chi.Router) {
		r.Get("/requests-over-time", s.handleRequestsOverTime)
		r.Get("/requests-by-provider", s.handleRequestsByProvider)
		r.Get("/cache-hit-rate", s.handleCacheHitRate)
	})
}

// --- Providers ---

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var p gateway.Provider
	if !decodeBody(w, r, &p) {
		return
	}
	if p.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	p.ID = newID()
	p.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateProvider(r.Context(), &p); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	var p gateway.Provider
	if !decodeBody(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateProvider(r.Context(), &p); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Provider endpoints ---

func (s *server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.deps.Store.ListEndpointsByProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoints)
}

func (s *server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var e gateway.ProviderEndpoint
	if !decodeBody(w, r, &e) {
		return
	}
	if e.URL == "" || e.ApiType == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("url and api_type are required"))
		return
	}
	e.ID = newID()
	e.ProviderID = chi.URLParam(r, "id")
	e.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateEndpoint(r.Context(), &e); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	var e gateway.ProviderEndpoint
	if !decodeBody(w, r, &e) {
		return
	}
	e.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateEndpoint(r.Context(), &e); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteEndpoint(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Provider keys ---

func (s *server) handleListProviderKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListProviderKeys(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// providerKeyRequest carries the secret on create/update; the stored entity
// never serializes it back out.
type providerKeyRequest struct {
	gateway.ProviderKey
	Key string `json:"key"`
}

func (s *server) handleCreateProviderKey(w http.ResponseWriter, r *http.Request) {
	var req providerKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("key is required"))
		return
	}
	k := req.ProviderKey
	k.ID = newID()
	k.ProviderID = chi.URLParam(r, "id")
	k.Key = req.Key
	k.Enabled = true
	k.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateProviderKey(r.Context(), &k); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, k)
}

func (s *server) handleUpdateProviderKey(w http.ResponseWriter, r *http.Request) {
	var req providerKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	k := req.ProviderKey
	k.ID = chi.URLParam(r, "id")
	k.Key = req.Key
	if err := s.deps.Store.UpdateProviderKey(r.Context(), &k); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

func (s *server) handleDeleteProviderKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteProviderKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Aliases ---

func (s *server) handleListAliases(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	aliases, err := s.deps.Store.ListAliases(r.Context(), offset, limit)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aliases)
}

func (s *server) handleCreateAlias(w http.ResponseWriter, r *http.Request) {
	var a gateway.Alias
	if !decodeBody(w, r, &a) {
		return
	}
	if a.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	a.ID = newID()
	a.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateAlias(r.Context(), &a); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *server) handleGetAlias(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.GetAlias(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleUpdateAlias(w http.ResponseWriter, r *http.Request) {
	var a gateway.Alias
	if !decodeBody(w, r, &a) {
		return
	}
	a.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateAlias(r.Context(), &a); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleDeleteAlias(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteAlias(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Alias targets ---

func (s *server) handleListAliasTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.deps.Store.ListAliasTargets(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (s *server) handleCreateAliasTarget(w http.ResponseWriter, r *http.Request) {
	var t gateway.AliasTarget
	if !decodeBody(w, r, &t) {
		return
	}
	if t.ProviderID == "" || t.ModelID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("provider_id and model_id are required"))
		return
	}
	t.ID = newID()
	t.AliasID = chi.URLParam(r, "id")
	t.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateAliasTarget(r.Context(), &t); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *server) handleUpdateAliasTarget(w http.ResponseWriter, r *http.Request) {
	var t gateway.AliasTarget
	if !decodeBody(w, r, &t) {
		return
	}
	t.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateAliasTarget(r.Context(), &t); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) handleDeleteAliasTarget(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteAliasTarget(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Gateway keys ---

func (s *server) handleListGatewayKeys(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	keys, err := s.deps.Store.ListGatewayKeys(r.Context(), offset, limit)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// gatewayKeyResponse exposes the secret exactly once, on create.
type gatewayKeyResponse struct {
	gateway.GatewayKey
	Key string `json:"key"`
}

func (s *server) handleCreateGatewayKey(w http.ResponseWriter, r *http.Request) {
	var k gateway.GatewayKey
	if !decodeBody(w, r, &k) {
		return
	}
	k.ID = newID()
	k.Key = "sk-mithril-" + newID()
	k.Enabled = true
	k.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateGatewayKey(r.Context(), &k); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gatewayKeyResponse{GatewayKey: k, Key: k.Key})
}

func (s *server) handleGetGatewayKey(w http.ResponseWriter, r *http.Request) {
	k, err := s.deps.Store.GetGatewayKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

func (s *server) handleUpdateGatewayKey(w http.ResponseWriter, r *http.Request) {
	var k gateway.GatewayKey
	if !decodeBody(w, r, &k) {
		return
	}
	k.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateGatewayKey(r.Context(), &k); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

func (s *server) handleDeleteGatewayKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteGatewayKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type whitelistPayload struct {
	Models []string `json:"models"`
}

func (s *server) handleGetWhitelist(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Store.ModelWhitelist(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, whitelistPayload{Models: models})
}

// handleSetWhitelist replaces the key's whitelist. An empty list clears it,
// returning the key to any-model access.
func (s *server) handleSetWhitelist(w http.ResponseWriter, r *http.Request) {
	var p whitelistPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if err := s.deps.Store.SetModelWhitelist(r.Context(), chi.URLParam(r, "id"), p.Models); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Operators ---

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("email and password are required"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	u := gateway.User{
		ID:           newID(),
		Email:        req.Email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.deps.Store.CreateUser(r.Context(), &u); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// --- Telemetry ---

// handleListRequestLogs returns summary rows: bodies are stripped so the
// list stays light. The detail endpoint carries them.
func (s *server) handleListRequestLogs(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	logs, err := s.deps.Store.ListRequestLogs(r.Context(), offset, limit)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	for _, l := range logs {
		l.RequestBody = nil
		l.ResponseBody = nil
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *server) handleGetRequestLog(w http.ResponseWriter, r *http.Request) {
	l, err := s.deps.Store.GetRequestLog(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *server) handleRequestsOverTime(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.deps.Store.RequestsOverTime(r.Context(), sinceParam(r))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *server) handleRequestsByProvider(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Store.RequestsByProvider(r.Context(), sinceParam(r))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *server) handleCacheHitRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.deps.Store.CacheHitRate(r.Context(), sinceParam(r))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}
