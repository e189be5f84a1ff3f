package cache

import (
	"context"
	"errors"
	"testing"

	gateway "github.com/eugener/mithril/internal"
)

func TestFingerprintNormalizesJSON(t *testing.T) {
	t.Parallel()

	a := FingerprintHex([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	b := FingerprintHex([]byte("{\n  \"messages\": [{\"role\": \"user\", \"content\": \"hi\"}],\n  \"model\": \"gpt-4o\"\n}"))
	if a != b {
		t.Errorf("equivalent JSON hashed differently: %s vs %s", a, b)
	}

	c := FingerprintHex([]byte(`{"model":"gpt-4o-mini"}`))
	if a == c {
		t.Error("different payloads hashed equal")
	}

	if len(a) != 32 {
		t.Errorf("hex length = %d, want 32", len(a))
	}
}

func TestFingerprintPreservesIntegerPrecision(t *testing.T) {
	t.Parallel()

	// 2^53 and 2^53+1 collapse to the same float64. The literal must survive
	// canonicalization or the two bodies share one cache identity.
	a := FingerprintHex([]byte(`{"seed":9007199254740993}`))
	b := FingerprintHex([]byte(`{"seed":9007199254740992}`))
	if a == b {
		t.Error("distinct large integers hashed equal")
	}

	// Formatting insensitivity still holds for big literals.
	if a != FingerprintHex([]byte("{ \"seed\": 9007199254740993 }")) {
		t.Error("reformatted body hashed differently")
	}
}

func TestFingerprintRawFallback(t *testing.T) {
	t.Parallel()

	// Non-JSON bodies hash as raw bytes, so whitespace matters.
	a := FingerprintHex([]byte("not json"))
	b := FingerprintHex([]byte("not  json"))
	if a == b {
		t.Error("distinct raw bodies hashed equal")
	}
	if a != FingerprintHex([]byte("not json")) {
		t.Error("raw hashing not deterministic")
	}

	// Valid JSON followed by trailing bytes is raw-hashed too.
	if FingerprintHex([]byte(`{"a":1}x`)) == FingerprintHex([]byte(`{"a":1}  x`)) {
		t.Error("trailing-garbage bodies hashed as JSON")
	}
}

type fakeLookup struct {
	responses map[string]*gateway.CachedResponse
	calls     int
}

func (f *fakeLookup) FindCachedResponse(_ context.Context, hash string) (*gateway.CachedResponse, error) {
	f.calls++
	cr, ok := f.responses[hash]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return cr, nil
}

func TestGetPromotesStoreHits(t *testing.T) {
	t.Parallel()

	stored := &gateway.CachedResponse{
		SourceRequestLogID:  7,
		StatusCode:          200,
		ResponseBody:        []byte(`{"ok":true}`),
		ResponseContentType: "application/json",
	}
	lookup := &fakeLookup{responses: map[string]*gateway.CachedResponse{"abc": stored}}
	c, err := New(lookup, 10)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	cr, layer, err := c.Get(ctx, "abc")
	if err != nil {
		t.Fatal("first get:", err)
	}
	if layer != gateway.CacheLayerDatabase {
		t.Errorf("layer = %q, want %q", layer, gateway.CacheLayerDatabase)
	}
	if cr.SourceRequestLogID != 7 {
		t.Errorf("source id = %d, want 7", cr.SourceRequestLogID)
	}

	// Second probe is served from memory without touching the store.
	cr, layer, err = c.Get(ctx, "abc")
	if err != nil {
		t.Fatal("second get:", err)
	}
	if layer != gateway.CacheLayerMemory {
		t.Errorf("layer = %q, want %q", layer, gateway.CacheLayerMemory)
	}
	if lookup.calls != 1 {
		t.Errorf("store probes = %d, want 1", lookup.calls)
	}
	if string(cr.ResponseBody) != `{"ok":true}` {
		t.Errorf("body = %s", cr.ResponseBody)
	}
}

func TestGetMiss(t *testing.T) {
	t.Parallel()

	c, err := New(&fakeLookup{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Get(context.Background(), "nope"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("miss err = %v, want ErrNotFound", err)
	}
}

func TestPutServesMemoryHits(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{}
	c, err := New(lookup, 10)
	if err != nil {
		t.Fatal(err)
	}

	c.Put("xyz", &gateway.CachedResponse{SourceRequestLogID: 1, StatusCode: 200, ResponseBody: []byte("r")})

	cr, layer, err := c.Get(context.Background(), "xyz")
	if err != nil {
		t.Fatal(err)
	}
	if layer != gateway.CacheLayerMemory || cr.SourceRequestLogID != 1 {
		t.Errorf("layer=%q id=%d", layer, cr.SourceRequestLogID)
	}
	if lookup.calls != 0 {
		t.Errorf("store probed %d times, want 0", lookup.calls)
	}
}
