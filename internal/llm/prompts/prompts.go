package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/testroom/internal/grading"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const maxAnswerRunes = 10000

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict grading variant for majors.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient grading variant for electives.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce       sync.Once
	loadErr        error
	gradeTemplates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// GradeData holds template data for grading prompts.
type GradeData struct {
	TestTitle       string
	TestDescription string
	MaxScore        int
	Items           []GradeItem
}

// GradeItem is one question with the student's sanitized answer.
type GradeItem struct {
	ID     string
	Topic  string
	Prompt string
	Answer string
}

// load parses the embedded templates once.
func load() error {
	loadOnce.Do(func() {
		gradeTemplates = make(map[PromptVariant]*template.Template)
		for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
			file := "templates/grade_" + string(v) + ".tmpl"
			tmpl, err := template.ParseFS(templateFS, "templates/attempt.tmpl", file)
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + file + ": " + err.Error())
				return
			}
			gradeTemplates[v] = tmpl.Lookup("grade_" + string(v) + ".tmpl")
		}
	})
	return loadErr
}

// BuildGradePrompt renders the grading prompt for a request using the
// specified variant.
func BuildGradePrompt(variant PromptVariant, req grading.Request) (string, error) {
	if err := load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := gradeTemplates[variant]
	if !ok || tmpl == nil {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	answers := make(map[string]string, len(req.Answers))
	for _, a := range req.Answers {
		answers[a.QuestionID] = a.Answer
	}

	data := GradeData{
		TestTitle:       req.TestTitle,
		TestDescription: req.TestDescription,
		MaxScore:        req.MaxScorePerQuestion,
		Items:           make([]GradeItem, 0, len(req.Questions)),
	}
	for _, q := range req.Questions {
		data.Items = append(data.Items, GradeItem{
			ID:     q.ID,
			Topic:  q.Topic,
			Prompt: q.Prompt,
			Answer: sanitizeAnswer(answers[q.ID]),
		})
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
