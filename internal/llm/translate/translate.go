// Package translate implements llm.Translator on top of a text generator.
package translate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/cory-johannsen/storyweave/internal/llm"
)

const instructionFormat = "Translate the user's text from %s to %s. " +
	"Preserve names, tone and formatting. Reply with the translation only."

// Translator asks a generation backend for translations.
type Translator struct {
	gen    llm.Generator
	logger *zap.Logger
}

// New creates a Translator.
//
// Precondition: gen and logger must be non-nil.
func New(gen llm.Generator, logger *zap.Logger) *Translator {
	return &Translator{gen: gen, logger: logger.Named("translate")}
}

// Translate implements llm.Translator.
//
// Postcondition: Text in the same base language is returned unchanged
// without a backend call.
func (t *Translator) Translate(ctx context.Context, text, source, target string) (string, error) {
	src, err := language.Parse(source)
	if err != nil {
		return "", fmt.Errorf("parsing source language %q: %w", source, err)
	}
	tgt, err := language.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parsing target language %q: %w", target, err)
	}
	if sameBase(src, tgt) || strings.TrimSpace(text) == "" {
		return text, nil
	}

	out, err := t.gen.Generate(ctx, llm.Request{
		System: fmt.Sprintf(instructionFormat, Name(src), Name(tgt)),
		Input:  text,
	})
	if err != nil {
		return "", fmt.Errorf("translating %s→%s: %w", src, tgt, err)
	}
	t.logger.Debug("translated",
		zap.String("source", src.String()),
		zap.String("target", tgt.String()),
		zap.Int("chars", len(out)),
	)
	return out, nil
}

// Name returns the English display name of a language tag, falling back to
// the tag itself.
func Name(tag language.Tag) string {
	if n := display.English.Tags().Name(tag); n != "" {
		return n
	}
	return tag.String()
}

// Validate reports whether code is a well-formed BCP 47 tag.
func Validate(code string) error {
	if _, err := language.Parse(code); err != nil {
		return fmt.Errorf("invalid language %q: %w", code, err)
	}
	return nil
}

// SameLanguage reports whether two tags share a base language. Unparseable
// tags are compared as plain strings.
func SameLanguage(a, b string) bool {
	ta, errA := language.Parse(a)
	tb, errB := language.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return sameBase(ta, tb)
}

func sameBase(a, b language.Tag) bool {
	ba, _ := a.Base()
	bb, _ := b.Base()
	return ba == bb
}
