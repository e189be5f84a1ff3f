package routing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/background"
	"github.com/eugener/mithril/internal/testutil"
)

func seedStore() *testutil.FakeStore {
	s := testutil.NewFakeStore()

	s.Providers["p1"] = &gateway.Provider{ID: "p1", Name: "openai", Brief: "oai", Enabled: true}
	s.Providers["p2"] = &gateway.Provider{ID: "p2", Name: "groq", Enabled: true, UsageCount: 10}
	s.Endpoints["e1"] = &gateway.ProviderEndpoint{
		ID: "e1", ProviderID: "p1", ApiType: gateway.ApiTypeOpenAiChatCompletions,
		URL: "https://api.openai.com/v1/chat/completions", TimeoutMs: 30000, Enabled: true,
	}
	s.Endpoints["e2"] = &gateway.ProviderEndpoint{
		ID: "e2", ProviderID: "p2", ApiType: gateway.ApiTypeOpenAiChatCompletions,
		URL: "https://api.groq.com/openai/v1/chat/completions", TimeoutMs: 15000, Enabled: true,
	}
	s.ProviderKeys["k1"] = &gateway.ProviderKey{ID: "k1", ProviderID: "p1", Key: "sk-A", Enabled: true}
	s.ProviderKeys["k2"] = &gateway.ProviderKey{ID: "k2", ProviderID: "p1", Key: "sk-B", Enabled: true, UsageCount: 5}
	s.ProviderKeys["k3"] = &gateway.ProviderKey{ID: "k3", ProviderID: "p2", Key: "sk-C", Enabled: true}

	s.Aliases["fast"] = &gateway.Alias{ID: "a1", Name: "fast", Enabled: true}
	s.AliasTargets["t1"] = &gateway.AliasTarget{
		ID: "t1", AliasID: "a1", ProviderID: "p1", ModelID: "gpt-4o-mini", Enabled: true,
		ExtraFields: json.RawMessage(`{"temperature":0}`),
	}
	s.AliasTargets["t2"] = &gateway.AliasTarget{
		ID: "t2", AliasID: "a1", ProviderID: "p2", ModelID: "llama-3.1-8b", Enabled: true,
	}
	return s
}

func newRouter(s *testutil.FakeStore) (*Router, *background.Tasks) {
	tasks := background.New(context.Background())
	return New(s, tasks), tasks
}

func TestResolveAlias(t *testing.T) {
	t.Parallel()
	s := seedStore()
	r, tasks := newRouter(s)

	route, err := r.Resolve(context.Background(), "fast", gateway.ApiTypeOpenAiChatCompletions)
	if err != nil {
		t.Fatal("resolve:", err)
	}

	// p1 has the lower usage count, so it wins load balancing.
	if route.ProviderID != "p1" || route.ModelID != "gpt-4o-mini" {
		t.Errorf("route = %+v", route)
	}
	if !route.AliasMatch || route.AliasTargetID != "t1" {
		t.Errorf("alias match fields = %v %q", route.AliasMatch, route.AliasTargetID)
	}
	if route.AliasName != "fast" {
		t.Errorf("alias name = %q", route.AliasName)
	}
	if string(route.ExtraFields) != `{"temperature":0}` {
		t.Errorf("extra fields = %s", route.ExtraFields)
	}
	// Least-used key for p1 is k1.
	if route.ProviderKey.ID != "k1" || route.ProviderKey.Key != "sk-A" {
		t.Errorf("provider key = %+v", route.ProviderKey)
	}

	// Counter increments land asynchronously.
	if !tasks.Wait(time.Second) {
		t.Fatal("counter tasks never drained")
	}
	if s.Providers["p1"].UsageCount != 1 {
		t.Errorf("provider usage = %d, want 1", s.Providers["p1"].UsageCount)
	}
	if s.Endpoints["e1"].UsageCount != 1 {
		t.Errorf("endpoint usage = %d, want 1", s.Endpoints["e1"].UsageCount)
	}
	if s.ProviderKeys["k1"].UsageCount != 1 {
		t.Errorf("key usage = %d, want 1", s.ProviderKeys["k1"].UsageCount)
	}
	if s.AliasTargets["t1"].UsageCount != 1 {
		t.Errorf("target usage = %d, want 1", s.AliasTargets["t1"].UsageCount)
	}
}

func TestResolveBriefShortcut(t *testing.T) {
	t.Parallel()
	s := seedStore()
	r, tasks := newRouter(s)

	route, err := r.Resolve(context.Background(), "oai:gpt-4-turbo", gateway.ApiTypeOpenAiChatCompletions)
	if err != nil {
		t.Fatal("resolve:", err)
	}
	if route.ProviderID != "p1" || route.ModelID != "gpt-4-turbo" {
		t.Errorf("route = %+v", route)
	}
	if route.AliasMatch {
		t.Error("brief route flagged as alias match")
	}
	if route.AliasName != "oai:gpt-4-turbo" {
		t.Errorf("alias name = %q, want original model string", route.AliasName)
	}
	if len(route.ExtraFields) != 0 {
		t.Errorf("brief route has extra fields: %s", route.ExtraFields)
	}

	if !tasks.Wait(time.Second) {
		t.Fatal("counter tasks never drained")
	}
	// No alias target involved, so no target counter moves.
	if s.AliasTargets["t1"].UsageCount != 0 {
		t.Error("brief route incremented an alias target")
	}
}

func TestResolveUnknownBriefFallsBackToAlias(t *testing.T) {
	t.Parallel()
	s := seedStore()
	// An alias whose name contains a colon must still resolve.
	s.Aliases["org:custom"] = &gateway.Alias{ID: "a2", Name: "org:custom", Enabled: true}
	s.AliasTargets["t3"] = &gateway.AliasTarget{
		ID: "t3", AliasID: "a2", ProviderID: "p1", ModelID: "gpt-4o", Enabled: true,
	}
	r, _ := newRouter(s)

	route, err := r.Resolve(context.Background(), "org:custom", gateway.ApiTypeOpenAiChatCompletions)
	if err != nil {
		t.Fatal("resolve:", err)
	}
	if !route.AliasMatch || route.ModelID != "gpt-4o" {
		t.Errorf("route = %+v", route)
	}
}

func TestResolveUnknownModel(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(seedStore())

	_, err := r.Resolve(context.Background(), "no-such-model", gateway.ApiTypeOpenAiChatCompletions)
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestResolveWrongApiType(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(seedStore())

	// "fast" only has chat completion endpoints.
	_, err := r.Resolve(context.Background(), "fast", gateway.ApiTypeOpenAiEmbeddings)
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestResolveNoEligibleKeys(t *testing.T) {
	t.Parallel()
	s := seedStore()
	future := time.Now().Add(time.Hour)
	s.ProviderKeys["k1"].Enabled = false
	s.ProviderKeys["k2"].CircuitOpenUntil = &future
	r, _ := newRouter(s)

	_, err := r.Resolve(context.Background(), "oai:gpt-4o", gateway.ApiTypeOpenAiChatCompletions)
	if !errors.Is(err, gateway.ErrNoProviderKeys) {
		t.Errorf("err = %v, want ErrNoProviderKeys", err)
	}
}

func TestResolveSkipsOpenCircuitKeys(t *testing.T) {
	t.Parallel()
	s := seedStore()
	future := time.Now().Add(time.Hour)
	s.ProviderKeys["k1"].CircuitOpenUntil = &future
	r, _ := newRouter(s)

	route, err := r.Resolve(context.Background(), "oai:gpt-4o", gateway.ApiTypeOpenAiChatCompletions)
	if err != nil {
		t.Fatal("resolve:", err)
	}
	if route.ProviderKey.ID != "k2" {
		t.Errorf("key = %q, want k2 (k1 circuit open)", route.ProviderKey.ID)
	}
}
