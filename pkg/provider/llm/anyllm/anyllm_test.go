package anyllm

import (
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parlox/pkg/provider/llm"
)

func TestBackends(t *testing.T) {
	t.Parallel()

	if !slices.IsSorted(Backends) {
		t.Errorf("Backends not sorted: %v", Backends)
	}
	for _, want := range []string{"anthropic", "ollama", "openai", "llamacpp"} {
		if !slices.Contains(Backends, want) {
			t.Errorf("Backends missing %q", want)
		}
	}
}

func TestNew(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	tests := []struct {
		name    string
		backend string
		model   string
		opts    []anyllmlib.Option
		wantErr bool
	}{
		{name: "no backend", model: "m", wantErr: true},
		{name: "no model", backend: "ollama", wantErr: true},
		{name: "unknown backend", backend: "carrier-pigeon", model: "m", wantErr: true},
		{name: "openai without key", backend: "openai", model: "gpt-4o-mini", wantErr: true},
		{name: "openai", backend: "openai", model: "gpt-4o-mini", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{name: "mixed case", backend: "Anthropic", model: "claude", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant")}},
		{name: "local ollama", backend: "ollama", model: "llama3.1"},
		{name: "local llamafile", backend: "llamafile", model: "mistral"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.backend, tt.model, tt.opts...)
			if tt.wantErr {
				if err == nil {
					t.Fatal("New succeeded")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.model != tt.model {
				t.Errorf("model = %q, want %q", p.model, tt.model)
			}
		})
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3"}
	tests := []struct {
		name      string
		req       llm.CompletionRequest
		wantRoles []string
		wantTemp  bool
		wantMax   bool
	}{
		{
			name: "context turns",
			req: llm.CompletionRequest{
				SystemPrompt: "Translate English to German.",
				Messages: []llm.Message{
					{Role: llm.RoleUser, Content: "good morning"},
					{Role: llm.RoleAssistant, Content: "guten Morgen"},
					{Role: llm.RoleUser, Content: "thank you"},
				},
				Temperature: 0.2,
				MaxTokens:   128,
			},
			wantRoles: []string{anyllmlib.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleUser},
			wantTemp:  true,
			wantMax:   true,
		},
		{
			name:      "defaults left unset",
			req:       llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}},
			wantRoles: []string{llm.RoleUser},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			params := p.buildParams(tt.req)
			if params.Model != "llama3" {
				t.Errorf("Model = %q", params.Model)
			}
			var roles []string
			for _, m := range params.Messages {
				roles = append(roles, m.Role)
			}
			if !slices.Equal(roles, tt.wantRoles) {
				t.Errorf("roles = %v, want %v", roles, tt.wantRoles)
			}
			if (params.Temperature != nil) != tt.wantTemp {
				t.Errorf("Temperature = %v", params.Temperature)
			}
			if tt.wantTemp && *params.Temperature != tt.req.Temperature {
				t.Errorf("Temperature = %v, want %v", *params.Temperature, tt.req.Temperature)
			}
			if (params.MaxTokens != nil) != tt.wantMax {
				t.Errorf("MaxTokens = %v", params.MaxTokens)
			}
		})
	}
}
