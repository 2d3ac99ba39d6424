package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/taskbatch/llm"
)

// OllamaProvider speaks the OpenAI-compatible API served by Ollama and vLLM.
type OllamaProvider struct {
	chatCompletions
}

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

// Name returns "ollama".
func (o *OllamaProvider) Name() string {
	return "ollama"
}

// BuildURL defaults to a local Ollama.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	return chatURL(baseURL, "http://localhost:11434/v1")
}

// SetHeaders adds a bearer token when one is configured.
func (o *OllamaProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OLLAMA_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
