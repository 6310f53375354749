// Package catalog reads tryout package definitions from YAML or JSON files.
package catalog

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
)

// File is the on-disk layout of a package definition. JSON files use the
// same keys.
type File struct {
	ID              string        `yaml:"id" json:"id"`
	Title           string        `yaml:"title" json:"title"`
	Description     string        `yaml:"description" json:"description"`
	DurationMinutes int           `yaml:"duration_minutes" json:"duration_minutes"`
	Price           string        `yaml:"price" json:"price"`
	Sections        []SectionFile `yaml:"sections" json:"sections"`
}

type SectionFile struct {
	Name      string         `yaml:"name" json:"name"`
	Questions []QuestionFile `yaml:"questions" json:"questions"`
}

type QuestionFile struct {
	ID      string       `yaml:"id" json:"id"`
	Content string       `yaml:"content" json:"content"`
	Options []OptionFile `yaml:"options" json:"options"`
	Answer  string       `yaml:"answer" json:"answer"`
	Points  *float64     `yaml:"points" json:"points"`
}

type OptionFile struct {
	Key    string   `yaml:"key" json:"key"`
	Text   string   `yaml:"text" json:"text"`
	Points *float64 `yaml:"points" json:"points"`
}

// Load reads and parses the definition at path.
func Load(path string) (model.Package, []model.Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Package{}, nil, fmt.Errorf("read %s: %w", path, err)
	}
	pkg, questions, err := Parse(data)
	if err != nil {
		return model.Package{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return pkg, questions, nil
}

// Parse decodes a definition and validates it. YAML is a superset of JSON,
// so both formats go through the YAML decoder.
func Parse(data []byte) (model.Package, []model.Question, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return model.Package{}, nil, fmt.Errorf("%w: decode package definition: %v", tryout.ErrValidation, err)
	}
	return f.Build()
}

// Build converts a decoded file into a package and its questions.
func (f File) Build() (model.Package, []model.Question, error) {
	invalid := func(format string, args ...any) (model.Package, []model.Question, error) {
		return model.Package{}, nil, fmt.Errorf("%w: "+format, append([]any{tryout.ErrValidation}, args...)...)
	}

	title := strings.TrimSpace(f.Title)
	if title == "" {
		return invalid("title is required")
	}
	if f.DurationMinutes < 0 {
		return invalid("duration_minutes must not be negative")
	}
	price := decimal.Zero
	if p := strings.TrimSpace(f.Price); p != "" {
		var err error
		price, err = decimal.NewFromString(p)
		if err != nil {
			return invalid("price %q: %v", f.Price, err)
		}
		if price.IsNegative() {
			return invalid("price must not be negative")
		}
	}
	if len(f.Sections) == 0 {
		return invalid("package %q has no sections", title)
	}

	pkg := model.Package{
		ID:              strings.TrimSpace(f.ID),
		Title:           title,
		Description:     strings.TrimSpace(f.Description),
		DurationMinutes: f.DurationMinutes,
		Price:           price,
	}
	if pkg.ID == "" {
		pkg.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(title)).String()
	}

	var questions []model.Question
	sectionNames := make(map[string]bool)
	questionIDs := make(map[string]bool)
	position := 0
	for i, sf := range f.Sections {
		name := strings.TrimSpace(sf.Name)
		if name == "" {
			return invalid("section %d has no name", i+1)
		}
		if sectionNames[name] {
			return invalid("duplicate section %q", name)
		}
		sectionNames[name] = true
		if len(sf.Questions) == 0 {
			return invalid("section %q has no questions", name)
		}
		pkg.Sections = append(pkg.Sections, model.Section{Name: name, Position: i + 1})

		for _, qf := range sf.Questions {
			position++
			q, err := qf.build(pkg.ID, name, position)
			if err != nil {
				return model.Package{}, nil, err
			}
			if questionIDs[q.ID] {
				return invalid("duplicate question id %q", q.ID)
			}
			questionIDs[q.ID] = true
			questions = append(questions, q)
		}
	}
	return pkg, questions, nil
}

func (qf QuestionFile) build(packageID, section string, position int) (model.Question, error) {
	id := strings.TrimSpace(qf.ID)
	if id == "" {
		id = fmt.Sprintf("%s-q%03d", packageID, position)
	}
	if strings.TrimSpace(qf.Content) == "" {
		return model.Question{}, fmt.Errorf("%w: question %q has no content", tryout.ErrValidation, id)
	}
	if len(qf.Options) < 2 {
		return model.Question{}, fmt.Errorf("%w: question %q needs at least two options", tryout.ErrValidation, id)
	}

	points := 1.0
	if qf.Points != nil {
		points = *qf.Points
	}
	if points < 0 {
		return model.Question{}, fmt.Errorf("%w: question %q has negative points", tryout.ErrValidation, id)
	}

	q := model.Question{
		ID:            id,
		PackageID:     packageID,
		Section:       section,
		Position:      position,
		Content:       strings.TrimSpace(qf.Content),
		CorrectOption: strings.TrimSpace(qf.Answer),
		Points:        points,
	}
	keys := make(map[string]bool, len(qf.Options))
	for _, of := range qf.Options {
		key := strings.TrimSpace(of.Key)
		if key == "" {
			return model.Question{}, fmt.Errorf("%w: question %q has an option without key", tryout.ErrValidation, id)
		}
		if keys[key] {
			return model.Question{}, fmt.Errorf("%w: question %q repeats option %q", tryout.ErrValidation, id, key)
		}
		if of.Points != nil && *of.Points < 0 {
			return model.Question{}, fmt.Errorf("%w: option %q of question %q has negative points", tryout.ErrValidation, key, id)
		}
		keys[key] = true
		q.Options = append(q.Options, model.Option{Key: key, Text: of.Text, Points: of.Points})
	}
	if !keys[q.CorrectOption] {
		return model.Question{}, fmt.Errorf("%w: answer %q of question %q is not an option", tryout.ErrValidation, qf.Answer, id)
	}
	return q, nil
}
