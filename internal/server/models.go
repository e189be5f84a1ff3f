package server

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// modelEntry is one row in the OpenAI-compatible model listing.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleListModels serves the model catalog. Without a provider_id it lists
// enabled aliases, which is what clients can actually route on. With
// ?provider_id= it proxies the provider's own models endpoint so operators
// can inspect what the upstream offers.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if providerID := r.URL.Query().Get("provider_id"); providerID != "" {
		s.proxyProviderModels(w, r, providerID)
		return
	}

	aliases, err := s.deps.Store.ListAliases(r.Context(), 0, 1000)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	list := modelList{Object: "list", Data: []modelEntry{}}
	for _, a := range aliases {
		if !a.Enabled {
			continue
		}
		list.Data = append(list.Data, modelEntry{
			ID:      a.Name,
			Object:  "model",
			Created: a.CreatedAt.Unix(),
			OwnedBy: "mithril",
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// proxyProviderModels relays the provider's openai_models endpoint verbatim.
func (s *server) proxyProviderModels(w http.ResponseWriter, r *http.Request, providerID string) {
	endpoints, err := s.deps.Store.ListEndpointsByProvider(r.Context(), providerID)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	var target *gateway.ProviderEndpoint
	for _, e := range endpoints {
		if e.Enabled && e.ApiType == gateway.ApiTypeOpenAiModels {
			target = e
			break
		}
	}
	if target == nil {
		writeJSON(w, http.StatusNotFound, errorResponse("provider has no models endpoint"))
		return
	}

	keys, err := s.deps.Store.EligibleProviderKeys(r.Context(), providerID, time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	if len(keys) == 0 {
		writeJSON(w, http.StatusInternalServerError, errorResponse("no provider keys available"))
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.URL, nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("upstream request failed"))
		return
	}
	req.Header.Set("Authorization", "Bearer "+keys[0].Key)

	client := s.deps.Upstream
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("models proxy failed", "provider_id", providerID, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse("upstream request failed"))
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("client write failed", "error", err)
	}
}
