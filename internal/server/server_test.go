package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/authn"
	"github.com/eugener/mithril/internal/background"
	"github.com/eugener/mithril/internal/cache"
	"github.com/eugener/mithril/internal/dispatch"
	"github.com/eugener/mithril/internal/ratelimit"
	"github.com/eugener/mithril/internal/routing"
	"github.com/eugener/mithril/internal/testutil"
)

const testSecret = "sk-test-key"

// seedInference wires one provider, endpoint, key, and alias pointing at the
// given upstream URL, plus a gateway key with the test secret.
func seedInference(s *testutil.FakeStore, upstreamURL string) {
	s.GatewayKeys[testSecret] = &gateway.GatewayKey{ID: "gk1", Name: "test", Key: testSecret, Enabled: true}
	s.Providers["p1"] = &gateway.Provider{ID: "p1", Name: "openai", Brief: "oai", Enabled: true}
	s.Endpoints["e1"] = &gateway.ProviderEndpoint{
		ID: "e1", ProviderID: "p1", ApiType: gateway.ApiTypeOpenAiChatCompletions,
		URL: upstreamURL, TimeoutMs: 5000, Enabled: true,
	}
	s.ProviderKeys["k1"] = &gateway.ProviderKey{ID: "k1", ProviderID: "p1", Key: "sk-upstream", Enabled: true}
	s.Aliases["fast"] = &gateway.Alias{ID: "a1", Name: "fast", Enabled: true, CreatedAt: time.Now()}
	s.AliasTargets["t1"] = &gateway.AliasTarget{
		ID: "t1", AliasID: "a1", ProviderID: "p1", ModelID: "gpt-4o-mini", Enabled: true,
	}
}

func newTestServer(t *testing.T, store *testutil.FakeStore) (*httptest.Server, *background.Tasks) {
	t.Helper()
	tasks := background.New(context.Background())
	respCache, err := cache.New(store, 128)
	if err != nil {
		t.Fatal("cache:", err)
	}
	h := New(Deps{
		Store:        store,
		Auth:         authn.NewKeyAuth(store, authn.NewLoginProtection()),
		Tokens:       authn.NewTokenIssuer("test-jwt-secret"),
		RateLimiter:  ratelimit.NewRegistry(),
		Cache:        respCache,
		Router:       routing.New(store, tasks),
		Dispatcher:   dispatch.New(&http.Client{}, store, tasks, respCache, nil),
		Tasks:        tasks,
		MaxBodyBytes: 1 << 20,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, tasks
}

func postInference(t *testing.T, srv *httptest.Server, secret, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal("request:", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal("read body:", err)
	}
	return b
}

func TestInferenceRoundTrip(t *testing.T) {
	t.Parallel()

	var upstreamBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamBody, _ = io.ReadAll(r.Body)
		if got := r.Header.Get("Authorization"); got != "Bearer sk-upstream" {
			t.Errorf("upstream auth = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","usage":{"prompt_tokens":9,"completion_tokens":12,"total_tokens":21}}`)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	seedInference(store, upstream.URL)
	srv, tasks := newTestServer(t, store)

	resp := postInference(t, srv, testSecret, `{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("cmpl-1")) {
		t.Errorf("body = %s", body)
	}
	// The upstream sees the target model, not the alias.
	if !bytes.Contains(upstreamBody, []byte(`"model":"gpt-4o-mini"`)) {
		t.Errorf("upstream body = %s", upstreamBody)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("missing request id header")
	}

	if !tasks.Wait(time.Second) {
		t.Fatal("background tasks never drained")
	}
	if len(store.RequestLogs) != 1 {
		t.Fatalf("request logs = %d", len(store.RequestLogs))
	}
	row := store.RequestLogs[0]
	if row.GatewayKeyID != "gk1" || row.Provider != "openai" || row.Alias != "fast" {
		t.Errorf("row = %+v", row)
	}
	if row.StatusCode == nil || *row.StatusCode != 200 {
		t.Errorf("status code = %v", row.StatusCode)
	}
	if row.TotalTokens == nil || *row.TotalTokens != 21 {
		t.Errorf("total tokens = %v", row.TotalTokens)
	}
	if row.RequestBodyHash == "" {
		t.Error("body hash not recorded")
	}
}

func TestRequestIDMintedServerSide(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1"}`)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	seedInference(store, upstream.URL)
	srv, tasks := newTestServer(t, store)

	// Both requests replay the same inbound X-Request-Id. Distinct bodies
	// keep the second request off the response cache.
	send := func(body string) string {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+testSecret)
		req.Header.Set("X-Request-Id", "client-chosen-id")
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal("request:", err)
		}
		readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		return resp.Header.Get("X-Request-Id")
	}

	first := send(`{"model":"fast","n":1}`)
	second := send(`{"model":"fast","n":2}`)
	if first == "client-chosen-id" || second == "client-chosen-id" {
		t.Error("client-supplied request id echoed back")
	}
	if first == "" || first == second {
		t.Errorf("ids = %q, %q, want two distinct minted ids", first, second)
	}

	if !tasks.Wait(time.Second) {
		t.Fatal("tasks never drained")
	}
	if len(store.RequestLogs) != 2 {
		t.Fatalf("request logs = %d, want 2", len(store.RequestLogs))
	}
	for _, row := range store.RequestLogs {
		if row.RequestID != first && row.RequestID != second {
			t.Errorf("logged id = %q, want a minted id", row.RequestID)
		}
	}
}

func TestInferenceBriefShortcut(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if !bytes.Contains(b, []byte(`"model":"gpt-4-turbo"`)) {
			t.Errorf("upstream body = %s", b)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"brief-1"}`)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	seedInference(store, upstream.URL)
	srv, _ := newTestServer(t, store)

	resp := postInference(t, srv, testSecret, `{"model":"oai:gpt-4-turbo"}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("brief-1")) {
		t.Errorf("status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestInferenceUnknownModel(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedInference(store, "http://unused.invalid")
	srv, tasks := newTestServer(t, store)

	resp := postInference(t, srv, testSecret, `{"model":"nope"}`)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Routing failures still produce a telemetry row.
	if !tasks.Wait(time.Second) {
		t.Fatal("tasks never drained")
	}
	if len(store.RequestLogs) != 1 {
		t.Fatalf("request logs = %d", len(store.RequestLogs))
	}
	if sc := store.RequestLogs[0].StatusCode; sc == nil || *sc != http.StatusBadRequest {
		t.Errorf("logged status = %v", sc)
	}
}

func TestAuthRejectsMissingAndUnknownKeys(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedInference(store, "http://unused.invalid")
	srv, _ := newTestServer(t, store)

	resp := postInference(t, srv, "", `{"model":"fast"}`)
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key status = %d", resp.StatusCode)
	}

	resp = postInference(t, srv, "sk-wrong", `{"model":"fast"}`)
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown key status = %d", resp.StatusCode)
	}
}

func TestAuthBansAbusiveIP(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedInference(store, "http://unused.invalid")
	srv, _ := newTestServer(t, store)

	// Six failures inside the window trips the ban.
	for i := 0; i < 6; i++ {
		resp := postInference(t, srv, "sk-wrong", `{"model":"fast"}`)
		readBody(t, resp)
	}

	// Even a valid key is refused once the IP is banned.
	resp := postInference(t, srv, testSecret, `{"model":"fast"}`)
	readBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("banned status = %d", resp.StatusCode)
	}
}

func TestWhitelistForbiddenIsLogged(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedInference(store, "http://unused.invalid")
	store.Whitelists["gk1"] = []string{"fast"}
	srv, tasks := newTestServer(t, store)

	resp := postInference(t, srv, testSecret, `{"model":"forbidden-model"}`)
	readBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if !tasks.Wait(time.Second) {
		t.Fatal("tasks never drained")
	}
	if len(store.RequestLogs) != 1 {
		t.Fatalf("request logs = %d", len(store.RequestLogs))
	}
	row := store.RequestLogs[0]
	if row.Model != "forbidden-model" || row.StatusCode == nil || *row.StatusCode != http.StatusForbidden {
		t.Errorf("row = %+v", row)
	}
}

func TestWhitelistAllowsListedModel(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"ok"}`)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	seedInference(store, upstream.URL)
	store.Whitelists["gk1"] = []string{"fast"}
	srv, _ := newTestServer(t, store)

	resp := postInference(t, srv, testSecret, `{"model":"fast"}`)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRateLimitRejectsWithoutLogging(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"ok"}`)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	seedInference(store, upstream.URL)
	one := 1
	store.GatewayKeys[testSecret].RateLimitRPS = &one
	srv, tasks := newTestServer(t, store)

	resp := postInference(t, srv, testSecret, `{"model":"fast"}`)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}

	resp = postInference(t, srv, testSecret, `{"model":"fast"}`)
	readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	if !tasks.Wait(time.Second) {
		t.Fatal("tasks never drained")
	}
	// Only the dispatched request leaves a row; the reject does not.
	if len(store.RequestLogs) != 1 {
		t.Errorf("request logs = %d", len(store.RequestLogs))
	}
}

func TestCacheHitServedFromStoreThenMemory(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedInference(store, "http://unused.invalid")

	reqBody := `{"model":"fast","messages":[{"role":"user","content":"cached"}]}`
	status := 200
	store.RequestLogs = append(store.RequestLogs, &gateway.RequestLog{
		ID:                  41,
		RequestID:           "orig",
		RequestBodyHash:     cache.FingerprintHex([]byte(reqBody)),
		StatusCode:          &status,
		ResponseBody:        []byte(`{"id":"cached-1"}`),
		ResponseContentType: "application/json",
		CreatedAt:           time.Now(),
	})

	srv, tasks := newTestServer(t, store)

	// First hit comes from the persistent layer.
	resp := postInference(t, srv, testSecret, reqBody)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("cached-1")) {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if !tasks.Wait(time.Second) {
		t.Fatal("first hit log never drained")
	}

	// Key formatting differences still hit: same canonical JSON.
	respReformatted := postInference(t, srv, testSecret,
		`{ "messages": [ { "content": "cached", "role": "user" } ], "model": "fast" }`)
	body = readBody(t, respReformatted)
	if !bytes.Contains(body, []byte("cached-1")) {
		t.Errorf("reformatted body = %s", body)
	}

	if !tasks.Wait(time.Second) {
		t.Fatal("tasks never drained")
	}
	if len(store.CacheLogs) != 2 {
		t.Fatalf("cache logs = %d", len(store.CacheLogs))
	}
	if store.CacheLogs[0].CacheLayer != gateway.CacheLayerDatabase {
		t.Errorf("first hit layer = %q", store.CacheLogs[0].CacheLayer)
	}
	// The first hit promoted the entry into memory.
	if store.CacheLogs[1].CacheLayer != gateway.CacheLayerMemory {
		t.Errorf("second hit layer = %q", store.CacheLogs[1].CacheLayer)
	}
	if store.CacheLogs[0].SourceRequestLogID != 41 {
		t.Errorf("source row id = %d", store.CacheLogs[0].SourceRequestLogID)
	}
}

func TestStreamingPassThrough(t *testing.T) {
	t.Parallel()

	const sse = "data: {\"choices\":[]}\n\ndata: {\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4,\"total_tokens\":7}}\n\ndata: [DONE]\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sse)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	seedInference(store, upstream.URL)
	srv, tasks := newTestServer(t, store)

	resp := postInference(t, srv, testSecret, `{"model":"fast","stream":true}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != sse {
		t.Errorf("body = %q", body)
	}

	if !tasks.Wait(time.Second) {
		t.Fatal("tasks never drained")
	}
	if len(store.RequestLogs) != 1 {
		t.Fatalf("request logs = %d", len(store.RequestLogs))
	}
	row := store.RequestLogs[0]
	if string(row.ResponseBody) != sse {
		t.Errorf("captured = %q", row.ResponseBody)
	}
	if row.TotalTokens == nil || *row.TotalTokens != 7 {
		t.Errorf("total tokens = %v", row.TotalTokens)
	}
}

func TestUpstream401DisablesProviderKey(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad api key"}}`)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	seedInference(store, upstream.URL)
	srv, tasks := newTestServer(t, store)

	resp := postInference(t, srv, testSecret, `{"model":"fast"}`)
	body := readBody(t, resp)
	// The upstream response passes through verbatim.
	if resp.StatusCode != http.StatusUnauthorized || !bytes.Contains(body, []byte("bad api key")) {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	if !tasks.Wait(time.Second) {
		t.Fatal("tasks never drained")
	}
	if store.ProviderKeys["k1"].Enabled {
		t.Error("provider key still enabled after upstream 401")
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedInference(store, "http://unused.invalid")
	store.Aliases["hidden"] = &gateway.Alias{ID: "a2", Name: "hidden", Enabled: false}
	srv, _ := newTestServer(t, store)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var list modelList
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal("decode:", err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "fast" {
		t.Errorf("models = %+v", list.Data)
	}
}

func TestListModelsProxiesProvider(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-upstream" {
			t.Errorf("upstream auth = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o"}]}`)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	seedInference(store, "http://unused.invalid")
	store.Endpoints["e-models"] = &gateway.ProviderEndpoint{
		ID: "e-models", ProviderID: "p1", ApiType: gateway.ApiTypeOpenAiModels,
		URL: upstream.URL, Enabled: true,
	}
	srv, _ := newTestServer(t, store)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/models?provider_id=p1", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("gpt-4o")) {
		t.Errorf("status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestAdminLoginAndAccess(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	store.Users["op@example.com"] = &gateway.User{ID: "u1", Email: "op@example.com", PasswordHash: string(hash)}
	srv, _ := newTestServer(t, store)

	// Admin surface is closed without a token.
	resp, err := srv.Client().Get(srv.URL + "/api/providers")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	// Wrong password gets the same generic rejection as an unknown email.
	for _, creds := range []string{
		`{"email":"op@example.com","password":"wrong"}`,
		`{"email":"ghost@example.com","password":"hunter2"}`,
	} {
		resp, err = srv.Client().Post(srv.URL+"/api/auth/login", "application/json", strings.NewReader(creds))
		if err != nil {
			t.Fatal(err)
		}
		readBody(t, resp)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("login %s status = %d", creds, resp.StatusCode)
		}
	}

	resp, err = srv.Client().Post(srv.URL+"/api/auth/login", "application/json",
		strings.NewReader(`{"email":"op@example.com","password":"hunter2"}`))
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", resp.StatusCode, body)
	}
	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil || lr.Token == "" {
		t.Fatalf("login body = %s", body)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/providers", nil)
	req.Header.Set("Authorization", "Bearer "+lr.Token)
	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d", resp.StatusCode)
	}
}

func TestAdminGatewayKeyLifecycle(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	hash, _ := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	store.Users["op@example.com"] = &gateway.User{ID: "u1", Email: "op@example.com", PasswordHash: string(hash)}
	srv, _ := newTestServer(t, store)

	resp, err := srv.Client().Post(srv.URL+"/api/auth/login", "application/json",
		strings.NewReader(`{"email":"op@example.com","password":"pw"}`))
	if err != nil {
		t.Fatal(err)
	}
	var lr loginResponse
	if err := json.Unmarshal(readBody(t, resp), &lr); err != nil {
		t.Fatal(err)
	}

	do := func(method, path, body string) (*http.Response, []byte) {
		var rd io.Reader
		if body != "" {
			rd = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, srv.URL+path, rd)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+lr.Token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp, readBody(t, resp)
	}

	resp2, body := do(http.MethodPost, "/api/gateway-keys", `{"name":"ci"}`)
	if resp2.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", resp2.StatusCode, body)
	}
	var created gatewayKeyResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal("decode:", err)
	}
	// The secret is handed out exactly once, on create.
	if created.Key == "" || created.ID == "" {
		t.Fatalf("created = %+v", created)
	}

	resp2, body = do(http.MethodGet, "/api/gateway-keys/"+created.ID, "")
	if resp2.StatusCode != http.StatusOK || bytes.Contains(body, []byte(created.Key)) {
		t.Errorf("get status = %d, secret leaked = %v", resp2.StatusCode, bytes.Contains(body, []byte(created.Key)))
	}

	resp2, _ = do(http.MethodPut, "/api/gateway-keys/"+created.ID+"/whitelist", `{"models":["fast"]}`)
	if resp2.StatusCode != http.StatusNoContent {
		t.Errorf("whitelist status = %d", resp2.StatusCode)
	}
	if got := store.Whitelists[created.ID]; len(got) != 1 || got[0] != "fast" {
		t.Errorf("whitelist = %v", got)
	}

	resp2, _ = do(http.MethodDelete, "/api/gateway-keys/"+created.ID, "")
	if resp2.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp2.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	srv, _ := newTestServer(t, store)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := srv.Client().Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusOK || string(body) != "ok" {
			t.Errorf("%s: status = %d, body = %q", path, resp.StatusCode, body)
		}
	}
}
