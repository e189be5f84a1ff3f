package dispatch

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/mithril/internal"
)

// Usage holds the token counts extracted from an upstream response.
// Nil fields mean the response carried no usable usage object.
type Usage struct {
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// ExtractUsage pulls token usage from a captured response body. Plain JSON
// bodies are tried first; anything else is scanned as SSE, newest events
// first, since usage arrives in the final frames of a stream.
func ExtractUsage(apiType gateway.ApiType, body []byte) Usage {
	if gjson.ValidBytes(body) {
		if u, ok := usageFromJSON(apiType, gjson.GetBytes(body, "usage"), false); ok {
			return u
		}
	}
	return usageFromSSE(apiType, body)
}

// usageFromJSON maps a usage object to counts. Anthropic responses count
// input and output separately; lenient mode tolerates a missing
// output_tokens, which happens mid-stream.
func usageFromJSON(apiType gateway.ApiType, usage gjson.Result, lenient bool) (Usage, bool) {
	if !usage.Exists() || !usage.IsObject() {
		return Usage{}, false
	}

	if apiType == gateway.ApiTypeAnthropicMessages {
		input := usage.Get("input_tokens")
		output := usage.Get("output_tokens")
		if !input.Exists() {
			return Usage{}, false
		}
		if !output.Exists() {
			if !lenient {
				return Usage{}, false
			}
			output = gjson.Result{Type: gjson.Number, Num: 0}
		}
		in, out := int(input.Int()), int(output.Int())
		total := in + out
		return Usage{PromptTokens: &in, CompletionTokens: &out, TotalTokens: &total}, true
	}

	prompt := usage.Get("prompt_tokens")
	completion := usage.Get("completion_tokens")
	total := usage.Get("total_tokens")
	if !prompt.Exists() && !completion.Exists() && !total.Exists() {
		return Usage{}, false
	}
	var u Usage
	if prompt.Exists() {
		v := int(prompt.Int())
		u.PromptTokens = &v
	}
	if completion.Exists() {
		v := int(completion.Int())
		u.CompletionTokens = &v
	}
	if total.Exists() {
		v := int(total.Int())
		u.TotalTokens = &v
	}
	return u, true
}

// usageFromSSE walks event-stream lines in reverse looking for the last
// data frame that carries a usage object.
func usageFromSSE(apiType gateway.ApiType, body []byte) Usage {
	lines := bytes.Split(body, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(string(lines[i]))
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			data, ok = strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
		}
		if data == "" || data == "[DONE]" {
			continue
		}
		if !gjson.Valid(data) {
			continue
		}
		if u, ok := usageFromJSON(apiType, gjson.Get(data, "usage"), true); ok {
			return u
		}
	}
	return Usage{}
}
