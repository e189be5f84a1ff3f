package dispatch

import (
	"testing"

	gateway "github.com/eugener/mithril/internal"
)

func TestExtractUsageOpenAIJSON(t *testing.T) {
	t.Parallel()

	body := []byte(`{"id":"cmpl-1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34,"total_tokens":46}}`)
	u := ExtractUsage(gateway.ApiTypeOpenAiChatCompletions, body)
	if u.PromptTokens == nil || *u.PromptTokens != 12 {
		t.Errorf("prompt = %v, want 12", u.PromptTokens)
	}
	if u.CompletionTokens == nil || *u.CompletionTokens != 34 {
		t.Errorf("completion = %v, want 34", u.CompletionTokens)
	}
	if u.TotalTokens == nil || *u.TotalTokens != 46 {
		t.Errorf("total = %v, want 46", u.TotalTokens)
	}
}

func TestExtractUsageAnthropicJSON(t *testing.T) {
	t.Parallel()

	body := []byte(`{"id":"msg_1","usage":{"input_tokens":100,"output_tokens":25}}`)
	u := ExtractUsage(gateway.ApiTypeAnthropicMessages, body)
	if u.PromptTokens == nil || *u.PromptTokens != 100 {
		t.Errorf("prompt = %v, want 100", u.PromptTokens)
	}
	if u.CompletionTokens == nil || *u.CompletionTokens != 25 {
		t.Errorf("completion = %v, want 25", u.CompletionTokens)
	}
	if u.TotalTokens == nil || *u.TotalTokens != 125 {
		t.Errorf("total = %v, want input+output = 125", u.TotalTokens)
	}

	// Both fields required on the JSON path.
	partial := []byte(`{"usage":{"input_tokens":100}}`)
	if u := ExtractUsage(gateway.ApiTypeAnthropicMessages, partial); u.PromptTokens != nil {
		t.Error("partial anthropic usage should extract nothing from plain JSON")
	}
}

func TestExtractUsageSSE(t *testing.T) {
	t.Parallel()

	body := []byte(`data: {"choices":[{"delta":{"content":"Hel"}}]}

data: {"choices":[{"delta":{"content":"lo"}}]}

data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}

data: [DONE]

`)
	u := ExtractUsage(gateway.ApiTypeOpenAiChatCompletions, body)
	if u.TotalTokens == nil || *u.TotalTokens != 7 {
		t.Errorf("total = %v, want 7", u.TotalTokens)
	}
	if u.PromptTokens == nil || *u.PromptTokens != 5 {
		t.Errorf("prompt = %v, want 5", u.PromptTokens)
	}
}

func TestExtractUsageAnthropicSSE(t *testing.T) {
	t.Parallel()

	// message_delta carries input_tokens only; the SSE path tolerates the
	// missing output count.
	body := []byte(`event: message_start
data: {"type":"message_start","message":{"id":"msg_1"}}

event: message_delta
data: {"type":"message_delta","usage":{"input_tokens":50}}

`)
	u := ExtractUsage(gateway.ApiTypeAnthropicMessages, body)
	if u.PromptTokens == nil || *u.PromptTokens != 50 {
		t.Errorf("prompt = %v, want 50", u.PromptTokens)
	}
	if u.CompletionTokens == nil || *u.CompletionTokens != 0 {
		t.Errorf("completion = %v, want 0", u.CompletionTokens)
	}
	if u.TotalTokens == nil || *u.TotalTokens != 50 {
		t.Errorf("total = %v, want 50", u.TotalTokens)
	}
}

func TestExtractUsageReverseScanFindsNewest(t *testing.T) {
	t.Parallel()

	body := []byte(`data: {"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}
data: {"usage":{"prompt_tokens":9,"completion_tokens":9,"total_tokens":18}}
`)
	u := ExtractUsage(gateway.ApiTypeOpenAiChatCompletions, body)
	if u.TotalTokens == nil || *u.TotalTokens != 18 {
		t.Errorf("total = %v, want the last frame's 18", u.TotalTokens)
	}
}

func TestExtractUsageNone(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"no usage", []byte(`{"id":"cmpl-1","choices":[]}`)},
		{"not json", []byte("plain text error")},
		{"done only", []byte("data: [DONE]\n")},
		{"null usage", []byte(`{"usage":null}`)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			u := ExtractUsage(gateway.ApiTypeOpenAiChatCompletions, tt.body)
			if u.PromptTokens != nil || u.CompletionTokens != nil || u.TotalTokens != nil {
				t.Errorf("extracted %+v from %q", u, tt.body)
			}
		})
	}
}
