// Package chat provides a translation backend that prompts a chat model.
//
// The conversation context is replayed as alternating user/assistant turns
// so the model sees how earlier lines were rendered.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/parlox/pkg/provider/llm"
	"github.com/MrWong99/parlox/pkg/provider/translate"
)

var _ translate.Provider = (*Translator)(nil)

const defaultMaxTokens = 512

// Option configures a Translator.
type Option func(*Translator)

// WithTemperature sets the sampling temperature. Defaults to 0.2.
func WithTemperature(t float64) Option {
	return func(tr *Translator) { tr.temperature = t }
}

// WithMaxTokens caps the length of a translation.
func WithMaxTokens(n int) Option {
	return func(tr *Translator) { tr.maxTokens = n }
}

// WithInstructions appends extra instructions to the system prompt, such as
// a glossary or a register ("formal", "casual").
func WithInstructions(s string) Option {
	return func(tr *Translator) { tr.instructions = s }
}

// Translator implements translate.Provider on top of an llm.Provider.
type Translator struct {
	model        llm.Provider
	temperature  float64
	maxTokens    int
	instructions string
}

// New returns a Translator that prompts model.
func New(model llm.Provider, opts ...Option) (*Translator, error) {
	if model == nil {
		return nil, errors.New("translate: llm provider must not be nil")
	}
	t := &Translator{model: model, temperature: 0.2, maxTokens: defaultMaxTokens}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Translate renders req.Text in req.Target. When the source is already the
// target language the text is returned unchanged without a model call.
func (t *Translator) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return translate.Result{}, nil
	}
	if req.Target == "" {
		return translate.Result{}, errors.New("translate: target language must not be empty")
	}
	if translate.SameLanguage(req.Source, req.Target) {
		return translate.Result{Text: text}, nil
	}

	msgs := make([]llm.Message, 0, 2*len(req.Context)+1)
	for _, turn := range req.Context {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: turn.Source},
			llm.Message{Role: llm.RoleAssistant, Content: turn.Target},
		)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})

	resp, err := t.model.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: t.systemPrompt(req.Source, req.Target),
		Messages:     msgs,
		Temperature:  t.temperature,
		MaxTokens:    t.maxTokens,
	})
	if err != nil {
		return translate.Result{}, fmt.Errorf("translate: complete: %w", err)
	}
	if resp == nil {
		return translate.Result{}, errors.New("translate: empty completion")
	}
	return translate.Result{Text: clean(resp.Content)}, nil
}

func (t *Translator) systemPrompt(source, target string) string {
	from := "the speaker's language"
	if source != "" && !strings.EqualFold(source, "auto") {
		from = translate.LanguageName(source)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are a live interpreter. Translate each user message from %s into %s. ", from, translate.LanguageName(target))
	b.WriteString("Messages are fragments of continuous speech transcribed by a machine; keep the meaning, fix obvious transcription slips, and never answer or comment. ")
	b.WriteString("Reply with the translation only.")
	if t.instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(t.instructions)
	}
	return b.String()
}

// clean strips wrapping quotes and label prefixes that chat models tend to
// add around a translation.
func clean(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"Translation:", "translation:"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	for _, pair := range [][2]string{{"“", "”"}, {"«", "»"}, {"„", "“"}} {
		if strings.HasPrefix(s, pair[0]) && strings.HasSuffix(s, pair[1]) && len(s) > len(pair[0])+len(pair[1]) {
			s = strings.TrimSpace(s[len(pair[0]) : len(s)-len(pair[1])])
		}
	}
	return s
}
