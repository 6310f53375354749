package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/pavelanni/tryout/internal/tryout"
)

const sampleYAML = `
id: utbk-1
title: UTBK Tryout 1
description: Full simulation
duration_minutes: 120
price: "49.90"
sections:
  - name: Verbal
    questions:
      - id: v1
        content: Pick the synonym of "big".
        answer: B
        points: 4
        options:
          - {key: A, text: small}
          - {key: B, text: large}
          - {key: C, text: thin, points: 1}
  - name: Quantitative
    questions:
      - content: 2 + 2 = ?
        answer: A
        options:
          - {key: A, text: "4"}
          - {key: B, text: "5"}
`

func TestParseYAML(t *testing.T) {
	pkg, questions, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pkg.ID != "utbk-1" || pkg.Title != "UTBK Tryout 1" || pkg.DurationMinutes != 120 {
		t.Errorf("unexpected package: %+v", pkg)
	}
	if !pkg.Price.Equal(decimal.RequireFromString("49.90")) {
		t.Errorf("expected price 49.90, got %s", pkg.Price)
	}
	if len(pkg.Sections) != 2 || pkg.Sections[0].Name != "Verbal" || pkg.Sections[1].Position != 2 {
		t.Errorf("unexpected sections: %+v", pkg.Sections)
	}
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(questions))
	}

	v1 := questions[0]
	if v1.ID != "v1" || v1.CorrectOption != "B" || v1.Points != 4 || v1.Section != "Verbal" || v1.Position != 1 {
		t.Errorf("unexpected first question: %+v", v1)
	}
	if opt, _ := v1.Option("C"); opt.Points == nil || *opt.Points != 1 {
		t.Errorf("expected option C weight 1, got %+v", opt)
	}

	q2 := questions[1]
	if q2.ID != "utbk-1-q002" {
		t.Errorf("expected generated id utbk-1-q002, got %q", q2.ID)
	}
	if q2.Points != 1 {
		t.Errorf("expected default points 1, got %v", q2.Points)
	}
	if q2.PackageID != "utbk-1" || q2.Position != 2 {
		t.Errorf("unexpected second question: %+v", q2)
	}
}

func TestParseJSON(t *testing.T) {
	data := `{"title": "Mini", "price": 0, "sections": [{"name": "S", "questions": [
		{"content": "x?", "answer": "A", "options": [{"key": "A"}, {"key": "B"}]}]}]}`
	pkg, questions, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pkg.ID == "" {
		t.Error("expected generated package id")
	}
	again, _, _ := Parse([]byte(data))
	if again.ID != pkg.ID {
		t.Errorf("generated id not stable: %q vs %q", pkg.ID, again.ID)
	}
	if !pkg.Free() {
		t.Error("expected free package")
	}
	if len(questions) != 1 {
		t.Errorf("expected 1 question, got %d", len(questions))
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", "title: [unclosed"},
		{"unknown field", "title: T\nbogus: 1\nsections: []"},
		{"missing title", "sections: [{name: S, questions: [{content: q, answer: A, options: [{key: A}, {key: B}]}]}]"},
		{"no sections", "title: T"},
		{"negative price", `title: T
price: "-1"
sections: [{name: S, questions: [{content: q, answer: A, options: [{key: A}, {key: B}]}]}]`},
		{"bad price", `title: T
price: abc
sections: [{name: S, questions: [{content: q, answer: A, options: [{key: A}, {key: B}]}]}]`},
		{"empty section", "title: T\nsections: [{name: S}]"},
		{"duplicate section", `title: T
sections:
  - {name: S, questions: [{content: q, answer: A, options: [{key: A}, {key: B}]}]}
  - {name: S, questions: [{content: q, answer: A, options: [{key: A}, {key: B}]}]}`},
		{"one option", "title: T\nsections: [{name: S, questions: [{content: q, answer: A, options: [{key: A}]}]}]"},
		{"answer not an option", "title: T\nsections: [{name: S, questions: [{content: q, answer: Z, options: [{key: A}, {key: B}]}]}]"},
		{"duplicate option", "title: T\nsections: [{name: S, questions: [{content: q, answer: A, options: [{key: A}, {key: A}]}]}]"},
		{"negative points", "title: T\nsections: [{name: S, questions: [{content: q, answer: A, points: -1, options: [{key: A}, {key: B}]}]}]"},
		{"duplicate question id", `title: T
sections:
  - {name: S, questions: [{id: x, content: q, answer: A, options: [{key: A}, {key: B}]}]}
  - {name: R, questions: [{id: x, content: q, answer: A, options: [{key: A}, {key: B}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse([]byte(tt.data))
			if !errors.Is(err, tryout.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkg.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	pkg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pkg.ID != "utbk-1" {
		t.Errorf("expected utbk-1, got %q", pkg.ID)
	}

	_, _, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Errorf("expected read error naming the file, got %v", err)
	}
}
