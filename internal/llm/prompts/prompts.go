package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/tryout/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var questionTagRegex = regexp.MustCompile(`(?i)</?\s*question\b[^>]*>`)

const maxContentRunes = 2000

// Variant selects how detailed the study advice is.
type Variant string

const (
	// VariantBrief asks for at most three short recommendations.
	VariantBrief Variant = "brief"
	// VariantStandard is the default advice variant.
	VariantStandard Variant = "standard"
	// VariantDetailed asks for a week-long study plan.
	VariantDetailed Variant = "detailed"
)

var validVariants = map[Variant]bool{
	VariantBrief:    true,
	VariantStandard: true,
	VariantDetailed: true,
}

var languageNames = map[string]string{
	"en": "English",
	"id": "Bahasa Indonesia",
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[Variant]*template.Template
)

// IsValidVariant checks if a variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[Variant(v)]
}

// SectionLine is one section row of the advice prompt.
type SectionLine struct {
	Section    string
	Score      string
	MaxScore   string
	Percentage string
}

// AdviceData holds template data for advice prompts.
type AdviceData struct {
	PackageTitle string
	Score        string
	MaxScore     string
	Percentage   string
	Position     int
	Participants int
	Percentile   string
	Sections     []SectionLine
	Mistakes     []model.Mistake
	Language     string
}

// Load parses the embedded advice templates once.
func Load() error {
	return LoadFS(templateFS)
}

// LoadFS parses advice templates from fsys. Only the first call has an effect.
func LoadFS(fsys fs.FS) error {
	loadOnce.Do(func() {
		templates = make(map[Variant]*template.Template)
		for _, v := range []Variant{VariantBrief, VariantStandard, VariantDetailed} {
			file := "templates/advice_" + string(v) + ".tmpl"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", file, err)
				return
			}
			tmpl, err := template.New(string(v)).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", file, err)
				return
			}
			templates[v] = tmpl
		}
	})
	return loadErr
}

// BuildAdvicePrompt renders the advice prompt for a result. ranking may be nil.
func BuildAdvicePrompt(variant Variant, lang, title string, result model.TryoutResult, ranking *model.Ranking, mistakes []model.Mistake) (string, error) {
	if templates == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := templates[variant]
	if !ok {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	data := AdviceData{
		PackageTitle: sanitize(title),
		Score:        formatNumber(result.Score),
		MaxScore:     formatNumber(result.MaxScore),
		Percentage:   formatNumber(result.Percentage),
		Language:     LanguageName(lang),
	}
	if ranking != nil {
		data.Position = ranking.Position
		data.Participants = ranking.Participants
		data.Percentile = formatNumber(ranking.Percentile)
	}
	for _, s := range result.Sections {
		data.Sections = append(data.Sections, SectionLine{
			Section:    s.Section,
			Score:      formatNumber(s.Score),
			MaxScore:   formatNumber(s.MaxScore),
			Percentage: formatNumber(s.Percentage),
		})
	}
	for _, m := range mistakes {
		m.Content = sanitize(m.Content)
		if m.Selected == "" {
			m.Selected = "-"
		}
		data.Mistakes = append(data.Mistakes, m)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// LanguageName returns the prompt name of a language tag, defaulting to English.
func LanguageName(lang string) string {
	base, _, _ := strings.Cut(strings.ToLower(lang), "-")
	if name, ok := languageNames[base]; ok {
		return name
	}
	return languageNames["en"]
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(math.Round(v*10)/10, 'f', -1, 64)
}

func sanitize(content string) string {
	content = questionTagRegex.ReplaceAllString(content, "")
	content = strings.TrimSpace(content)
	if content == "" {
		return "[No content]"
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		runes := []rune(content)
		content = string(runes[:maxContentRunes]) + "\n[truncated]"
	}
	return content
}
