package providers

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskbatch/llm"
)

func TestRegistered(t *testing.T) {
	assert.Equal(t, []string{"anthropic", "ollama", "openai"}, llm.ListProviders())
	assert.NotNil(t, llm.GetProvider("ollama"))
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name     string
		provider llm.Provider
		baseURL  string
		want     string
	}{
		{"ollama default", &OllamaProvider{}, "", "http://localhost:11434/v1/chat/completions"},
		{"ollama trailing slash", &OllamaProvider{}, "http://gpu:11434/v1/", "http://gpu:11434/v1/chat/completions"},
		{"ollama full path kept", &OllamaProvider{}, "http://gpu:11434/v1/chat/completions", "http://gpu:11434/v1/chat/completions"},
		{"openai default", &OpenAIProvider{}, "", "https://api.openai.com/v1/chat/completions"},
		{"openrouter", &OpenAIProvider{}, "https://openrouter.ai/api/v1", "https://openrouter.ai/api/v1/chat/completions"},
		{"anthropic default", &AnthropicProvider{}, "", "https://api.anthropic.com/v1/messages"},
		{"anthropic trailing slash", &AnthropicProvider{}, "https://proxy.internal/", "https://proxy.internal/v1/messages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.BuildURL(tt.baseURL))
		})
	}
}

func TestChatCompletions_BuildRequestBody(t *testing.T) {
	p := &OllamaProvider{}
	temp := 0.0

	body, err := p.BuildRequestBody("qwen2.5:14b", []llm.Message{
		{Role: "system", Content: "Plan tasks."},
		{Role: "user", Content: "Action: write report"},
	}, &temp, 1024)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "qwen2.5:14b", got["model"])
	assert.Equal(t, 0.0, got["temperature"])
	assert.Equal(t, 1024.0, got["max_tokens"])
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
	assert.Len(t, got["messages"], 2)

	body, err = p.BuildRequestBody("m", []llm.Message{{Role: "user", Content: "x"}}, nil, 0)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "temperature")
	assert.NotContains(t, string(body), "max_tokens")
}

func TestChatCompletions_ParseResponse(t *testing.T) {
	p := &OpenAIProvider{}

	resp, err := p.ParseResponse([]byte(`{
		"model": "gpt-4o-mini",
		"choices": [{"message": {"role": "assistant", "content": "{\"tasks\":[]}"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 6, "total_tokens": 16}
	}`), "fallback")
	require.NoError(t, err)
	assert.Equal(t, `{"tasks":[]}`, resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)

	_, err = p.ParseResponse([]byte(`{"choices": []}`), "m")
	assert.ErrorContains(t, err, "no choices")

	_, err = p.ParseResponse([]byte(`not json`), "m")
	assert.Error(t, err)
}

func TestAnthropic_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}

	body, err := p.BuildRequestBody("claude-sonnet", []llm.Message{
		{Role: "system", Content: "Plan tasks."},
		{Role: "user", Content: "Action: write report"},
	}, nil, 0)
	require.NoError(t, err)

	var got anthropicRequest
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "Plan tasks.", got.System)
	assert.Equal(t, anthropicMaxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
}

func TestAnthropic_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}

	resp, err := p.ParseResponse([]byte(`{
		"model": "claude-sonnet",
		"content": [{"type": "text", "text": "{\"tasks\":"}, {"type": "text", "text": "[]}"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 5}
	}`), "m")
	require.NoError(t, err)
	assert.Equal(t, `{"tasks":[]}`, resp.Content)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)
}

func TestSetHeaders(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OPENAI_API_KEY", "sk-oai")

	req := httptest.NewRequest("POST", "/", nil)
	(&AnthropicProvider{}).SetHeaders(req)
	assert.Equal(t, "sk-ant", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))

	req = httptest.NewRequest("POST", "/", nil)
	(&OpenAIProvider{}).SetHeaders(req)
	assert.Equal(t, "Bearer sk-oai", req.Header.Get("Authorization"))
}
