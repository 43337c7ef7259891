// Package userconfig resolves per-user LLM configuration over an
// authenticated REST surface, and serves that surface alongside token-usage
// reporting.
package userconfig

// LLMBlock is the model configuration handed to a worker. The API key is
// plaintext only in this transient record; at rest it is encrypted.
type LLMBlock struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// Data is the payload of a config lookup: ambient defaults, with any
// per-user row merged over the LLM block.
type Data struct {
	LLM              LLMBlock `json:"llm"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	MaxLLMProcessNum int      `json:"max_llm_process_num"`
}
