// Package gemini implements the course generation step on top of the Gemini API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"text/template"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

var _ ports.CourseGenerator = (*Generator)(nil)

var (
	ErrEmptyResponse  = errors.New("gemini returned no content")
	ErrContentBlocked = errors.New("gemini blocked the content")
	ErrInvalidCourse  = errors.New("gemini returned an invalid course")
)

var promptTemplate = template.Must(template.New("course").Parse(`You are an instructional designer.
Write a course about "{{.Topic}}" for {{if .Audience}}{{.Audience}}{{else}}a general audience{{end}}.
The course has exactly {{.Lessons}} lessons{{if .Language}} and is written in {{.Language}}{{end}}.
Respond with JSON only, matching this shape:
{"title": string, "summary": string, "lessons": [{"title": string, "objectives": [string], "outline": [string]}]}`))

// contentGenerator is the part of genai.Models the generator calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Generator struct {
	models contentGenerator
	model  string
	log    zerolog.Logger
}

func New(ctx context.Context, apiKey, model string, log zerolog.Logger) (*Generator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newWithModels(client.Models, model, log), nil
}

func newWithModels(models contentGenerator, model string, log zerolog.Logger) *Generator {
	return &Generator{
		models: models,
		model:  model,
		log:    log.With().Str("component", "gemini").Str("model", model).Logger(),
	}
}

func (g *Generator) GenerateCourse(ctx context.Context, brief domain.CourseBrief) (domain.Course, error) {
	var prompt bytes.Buffer
	if err := promptTemplate.Execute(&prompt, brief); err != nil {
		return domain.Course{}, fmt.Errorf("render prompt: %w", err)
	}

	g.log.Debug().Str("topic", brief.Topic).Int("lessons", brief.Lessons).Msg("requesting course")
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt.String()), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return domain.Course{}, fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return domain.Course{}, ErrEmptyResponse
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return domain.Course{}, ErrContentBlocked
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}

	var course domain.Course
	if err := json.Unmarshal([]byte(text.String()), &course); err != nil {
		return domain.Course{}, fmt.Errorf("%w: %v", ErrInvalidCourse, err)
	}
	if course.Title == "" || len(course.Lessons) == 0 {
		return domain.Course{}, fmt.Errorf("%w: missing title or lessons", ErrInvalidCourse)
	}
	return course, nil
}
