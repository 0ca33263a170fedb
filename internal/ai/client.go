// Package ai is the boundary client for the Gemini classification and
// extraction service. Everything returned by the model is treated as an
// untrusted guess: strict-JSON prompts, fence cleanup, and vocabulary
// validation stand between the model and the rest of the system.
package ai

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/dvloznov/finboard/internal/logger"
	"github.com/dvloznov/finboard/internal/reconcile"
	"github.com/dvloznov/finboard/internal/rules"
)

// DefaultModel is the model used when config does not override it.
const DefaultModel = "gemini-2.0-flash"

// HistoryWindow caps how many prior chat turns are replayed per request.
const HistoryWindow = 10

// ServiceError wraps any failure crossing the AI boundary: transport,
// auth, timeouts, or an unparseable payload. It never carries partial data.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("ai: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Document is one statement or receipt image/PDF handed to the extractor.
type Document struct {
	MIMEType string
	Data     []byte
}

// Extraction is the structured result of a document scan: account metadata
// from the statement header plus candidate transactions.
type Extraction struct {
	Metadata     reconcile.StatementMeta
	Transactions []reconcile.Candidate
}

// ChatTurn is one prior message of the assistant conversation.
type ChatTurn struct {
	Role string // "user" or "model"
	Text string
}

// Service is the AI surface the session depends on. The Gemini client
// implements it; tests substitute fakes.
type Service interface {
	// Classify guesses category, frequency, kind and type for a merchant
	// name. The returned category is always on-vocabulary.
	Classify(ctx context.Context, name string) (rules.Entry, error)

	// ExtractDocuments parses one or more statement/receipt documents into
	// account metadata and candidate transactions. Known merchant rules
	// are included in the prompt so the model starts from user truth.
	ExtractDocuments(ctx context.Context, docs []Document, known map[string]rules.Entry) (*Extraction, error)

	// Chat answers a free-form question grounded in the dashboard context.
	Chat(ctx context.Context, contextBlock string, history []ChatTurn, question string) (string, error)
}

// Gemini talks to the hosted Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	log    zerolog.Logger
}

// NewGemini builds a client for the given API key. model may be empty to
// use DefaultModel.
func NewGemini(ctx context.Context, apiKey, model string, log zerolog.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, &ServiceError{Op: "create client", Err: err}
	}
	if model == "" {
		model = DefaultModel
	}
	return &Gemini{client: client, model: model, log: logger.Component(log, "ai")}, nil
}

// Classify implements Service.
func (g *Gemini) Classify(ctx context.Context, name string) (rules.Entry, error) {
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: classifyPrompt(name)}},
	}}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return rules.Entry{}, &ServiceError{Op: "classify", Err: err}
	}
	raw := resp.Text()
	if raw == "" {
		return rules.Entry{}, &ServiceError{Op: "classify", Err: fmt.Errorf("empty response")}
	}

	entry, err := parseSuggestion(raw, g.log)
	if err != nil {
		return rules.Entry{}, &ServiceError{Op: "classify", Err: err}
	}
	return entry, nil
}

// ExtractDocuments implements Service.
func (g *Gemini) ExtractDocuments(ctx context.Context, docs []Document, known map[string]rules.Entry) (*Extraction, error) {
	if len(docs) == 0 {
		return nil, &ServiceError{Op: "extract", Err: fmt.Errorf("no documents")}
	}

	parts := []*genai.Part{{Text: extractPrompt(known)}}
	for _, doc := range docs {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: doc.MIMEType, Data: doc.Data},
		})
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, &ServiceError{Op: "extract", Err: err}
	}
	raw := resp.Text()
	if raw == "" {
		return nil, &ServiceError{Op: "extract", Err: fmt.Errorf("empty response")}
	}

	ext, err := parseExtraction(raw, g.log)
	if err != nil {
		return nil, &ServiceError{Op: "extract", Err: err}
	}
	g.log.Info().
		Str("provider", ext.Metadata.Provider).
		Int("candidates", len(ext.Transactions)).
		Msg("documents extracted")
	return ext, nil
}

// Chat implements Service.
func (g *Gemini) Chat(ctx context.Context, contextBlock string, history []ChatTurn, question string) (string, error) {
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}

	var contents []*genai.Content
	for _, turn := range history {
		role := "user"
		if turn.Role == "model" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: turn.Text}},
		})
	}
	contents = append(contents, &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: chatPrompt(contextBlock, question)}},
	})

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", &ServiceError{Op: "chat", Err: err}
	}
	text := resp.Text()
	if text == "" {
		return "", &ServiceError{Op: "chat", Err: fmt.Errorf("empty response")}
	}
	return text, nil
}
