// Package i18n localizes user-facing messages with go-i18n bundles embedded
// from locales/*.json.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"path"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

type localized struct {
	loc  *i18n.Localizer
	lang string
}

var (
	bundle      *i18n.Bundle
	defaultLang = "en"
)

// Init loads the translation bundle for the given language tag.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}

	defaultLang = tag.String()
	bundle = i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	names, err := fs.Glob(localeFS, "locales/*.json")
	if err != nil {
		return fmt.Errorf("list locales: %w", err)
	}
	for _, name := range names {
		data, err := localeFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, path.Base(name)); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	slog.Debug("loaded locales", "default", defaultLang, "files", len(names))
	return nil
}

// NewLocalizer creates a localizer for the given languages in order of
// preference. Accept-Language header values are accepted as is.
func NewLocalizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(bundle, langs...)
}

// Match returns the supported language that best fits the preferences,
// falling back to the bundle default.
func Match(langs ...string) string {
	if bundle == nil {
		return defaultLang
	}
	tags := bundle.LanguageTags()
	tag, _ := language.MatchStrings(language.NewMatcher(tags), append(langs, defaultLang)...)
	base, _ := tag.Base()
	return base.String()
}

// WithLanguage stores a localizer for lang in the context.
func WithLanguage(ctx context.Context, lang string) context.Context {
	return context.WithValue(ctx, ctxKey{}, localized{loc: NewLocalizer(lang, defaultLang), lang: lang})
}

// Lang returns the language stored in the context.
func Lang(ctx context.Context) string {
	if l, ok := ctx.Value(ctxKey{}).(localized); ok {
		return l.lang
	}
	return defaultLang
}

// localizerFromCtx retrieves the localizer from context.
func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if l, ok := ctx.Value(ctxKey{}).(localized); ok {
		return l.loc
	}
	return i18n.NewLocalizer(bundle, defaultLang)
}

// localize falls back to the message ID when no translation exists.
func localize(ctx context.Context, cfg *i18n.LocalizeConfig) string {
	msg, err := localizerFromCtx(ctx).Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "lang", Lang(ctx), "error", err)
		return cfg.MessageID
	}
	return msg
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID})
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID, TemplateData: data})
}

// Tp translates a pluralized message. Count is available to the template.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(ctx, &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}
