package tagger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/aulasonora/aulasonora/pkg/generator"
	"github.com/sashabaranov/go-openai"
)

type OpenAIConfig struct {
	Token   string
	Model   string
	BaseURL string
	Debug   bool
}

// OpenAI asks a chat model to classify the prompt. Static tags fill any key
// the model leaves out and are returned on failure.
type OpenAI struct {
	client   *openai.Client
	model    string
	debug    bool
	fallback *Static
}

func NewOpenAI(cfg *OpenAIConfig) *OpenAI {
	c := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}
	return &OpenAI{
		client:   openai.NewClientWithConfig(c),
		model:    model,
		debug:    cfg.Debug,
		fallback: NewStatic(),
	}
}

const systemPrompt = `Clasifica la descripción de una canción infantil para uso escolar.
Responde solo con un objeto JSON con las claves "instrumento", "ritmo" y "curso".
Valores de curso posibles: Matemática, Comunicación, Psicomotricidad, Ciencia y Ambiente, Personal Social, Arte, General.`

func (o *OpenAI) Tags(ctx context.Context, prompt string, mode generator.Mode) (map[string]string, error) {
	tags, _ := o.fallback.Tags(ctx, prompt, mode)
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Modo: %s\nDescripción: %s", mode, prompt)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return tags, fmt.Errorf("tagger: couldn't create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return tags, fmt.Errorf("tagger: empty chat completion")
	}
	content := resp.Choices[0].Message.Content
	if o.debug {
		log.Printf("tagger: %s\n", content)
	}
	parsed, err := parseTags(content)
	if err != nil {
		return tags, err
	}
	for _, k := range []string{KeyInstrument, KeyRhythm, KeyCourse} {
		if v := strings.TrimSpace(parsed[k]); v != "" {
			tags[k] = v
		}
	}
	return tags, nil
}

// parseTags extracts the first JSON object found in s.
func parseTags(s string) (map[string]string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("tagger: no json object in %q", s)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("tagger: couldn't unmarshal %q: %w", s, err)
	}
	tags := map[string]string{}
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			tags[k] = v
		case []any:
			var parts []string
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			tags[k] = strings.Join(parts, ", ")
		default:
			tags[k] = fmt.Sprint(v)
		}
	}
	return tags, nil
}
