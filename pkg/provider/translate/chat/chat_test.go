package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/parlox/pkg/provider/llm"
	llmmock "github.com/MrWong99/parlox/pkg/provider/llm/mock"
	"github.com/MrWong99/parlox/pkg/provider/translate"
	"github.com/MrWong99/parlox/pkg/provider/translate/chat"
)

func TestTranslate_BuildsConversation(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  \"Wo ist der Bahnhof?\" "}}
	tr, err := chat.New(model, chat.WithInstructions("Use the informal du."))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := tr.Translate(context.Background(), translate.Request{
		Text:   "Where is the station?",
		Source: "en",
		Target: "de",
		Context: []translate.Turn{
			{Source: "Hi there", Target: "Hallo"},
		},
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if res.Text != "Wo ist der Bahnhof?" {
		t.Errorf("Text = %q, want quotes and whitespace stripped", res.Text)
	}

	calls := model.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	req := calls[0].Req
	if !strings.Contains(req.SystemPrompt, "from English into German") {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if !strings.HasSuffix(req.SystemPrompt, "Use the informal du.") {
		t.Errorf("instructions missing from system prompt")
	}
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "Hi there"},
		{Role: llm.RoleAssistant, Content: "Hallo"},
		{Role: llm.RoleUser, Content: "Where is the station?"},
	}
	if len(req.Messages) != len(want) {
		t.Fatalf("messages = %+v", req.Messages)
	}
	for i := range want {
		if req.Messages[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, req.Messages[i], want[i])
		}
	}
}

func TestTranslate_AutoSource(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Translation: bonjour"}}
	tr, _ := chat.New(model)

	res, err := tr.Translate(context.Background(), translate.Request{Text: "hello", Source: "auto", Target: "fr"})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if res.Text != "bonjour" {
		t.Errorf("Text = %q", res.Text)
	}
	if p := model.Calls()[0].Req.SystemPrompt; !strings.Contains(p, "the speaker's language into French") {
		t.Errorf("system prompt = %q", p)
	}
}

func TestTranslate_SameLanguagePassesThrough(t *testing.T) {
	t.Parallel()
	model := &llmmock.Provider{}
	tr, _ := chat.New(model)

	res, err := tr.Translate(context.Background(), translate.Request{Text: " hallo ", Source: "de-AT", Target: "de"})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if res.Text != "hallo" || len(model.Calls()) != 0 {
		t.Errorf("Text = %q, calls = %d; want passthrough without a model call", res.Text, len(model.Calls()))
	}
}

func TestTranslate_Errors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tr, _ := chat.New(&llmmock.Provider{CompleteErr: boom})

	if _, err := tr.Translate(context.Background(), translate.Request{Text: "x", Target: "de"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
	if _, err := tr.Translate(context.Background(), translate.Request{Text: "x"}); err == nil {
		t.Error("expected error for missing target")
	}
	if res, err := tr.Translate(context.Background(), translate.Request{Text: "  ", Target: "de"}); err != nil || res.Text != "" {
		t.Errorf("blank text: res=%+v err=%v", res, err)
	}
	if _, err := chat.New(nil); err == nil {
		t.Error("expected error for nil provider")
	}
}
