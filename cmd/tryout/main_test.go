package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	appI18n "github.com/pavelanni/tryout/internal/i18n"
	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/store"
)

const packageYAML = `
id: utbk-1
title: UTBK Tryout 1
sections:
  - name: Verbal
    questions:
      - {id: v1, content: "Synonym of big?", answer: B, options: [{key: A}, {key: B}]}
`

func TestServiceConfig(t *testing.T) {
	tests := []struct {
		mode    string
		want    model.ScoringMode
		wantErr bool
	}{
		{"binary", model.ScoringBinary, false},
		{" Option-Weights ", model.ScoringOptionWeights, false},
		{"partial", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			v := viper.New()
			v.Set("scoring-mode", tt.mode)
			cfg, err := serviceConfig(v)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("serviceConfig: %v", err)
			}
			if cfg.ScoringMode != tt.want {
				t.Errorf("mode = %q, want %q", cfg.ScoringMode, tt.want)
			}
		})
	}
}

func TestOpenBackendUnknownDriver(t *testing.T) {
	v := viper.New()
	v.Set("db-driver", "mysql")
	if _, err := openBackend(context.Background(), v); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestImportFile(t *testing.T) {
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "utbk.yaml")
	if err := os.WriteFile(path, []byte(packageYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var out bytes.Buffer
	if err := importFile(ctx, db, path, false, &out); err != nil {
		t.Fatalf("importFile: %v", err)
	}
	if !strings.Contains(out.String(), "Imported UTBK Tryout 1 (1 questions).") {
		t.Errorf("unexpected output %q", out.String())
	}

	out.Reset()
	if err := importFile(ctx, db, path, false, &out); err != nil {
		t.Fatalf("importFile again: %v", err)
	}
	if !strings.Contains(out.String(), "already imported") {
		t.Errorf("expected skip message, got %q", out.String())
	}

	changed := strings.Replace(packageYAML, "Synonym of big?", "Synonym of large?", 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := importFile(ctx, db, path, false, &out); err != nil {
		t.Fatalf("importFile changed: %v", err)
	}
	questions, _ := db.GetQuestions(ctx, "utbk-1")
	if len(questions) != 1 || questions[0].Content != "Synonym of big?" {
		t.Errorf("changed file must not be imported without force: %+v", questions)
	}

	if err := importFile(ctx, db, path, true, &out); err != nil {
		t.Fatalf("importFile force: %v", err)
	}
	questions, _ = db.GetQuestions(ctx, "utbk-1")
	if len(questions) != 1 || questions[0].Content != "Synonym of large?" {
		t.Errorf("forced import did not update questions: %+v", questions)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(good, []byte(packageYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(bad, []byte("id: x\ntitle: \n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var out bytes.Buffer
	cmd := validateCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{good})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate good file: %v", err)
	}
	if !strings.Contains(out.String(), "UTBK Tryout 1, 1 sections, 1 questions") {
		t.Errorf("unexpected output %q", out.String())
	}

	cmd = validateCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{good, bad})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for invalid file")
	}
}
