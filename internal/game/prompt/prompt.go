// Package prompt renders the text handed to the generation backend: the
// session framing built from the setting and roster, the apology used when
// generation fails, and the summarization instruction.
package prompt

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/storyweave/internal/game/story"
)

// FramingHook is the Lua global consulted before the framing template.
// It receives (setting, players) where players is a list of tables with
// id, name and backstory fields, and returns the framing text or nil.
const FramingHook = "build_framing"

//go:embed default.yaml
var defaultYAML []byte

// Templates holds the raw prompt texts.
type Templates struct {
	Framing string `yaml:"framing"`
	Apology string `yaml:"apology"`
	Summary string `yaml:"summary"`
}

// Default returns the built-in templates.
func Default() Templates {
	var t Templates
	if err := yaml.Unmarshal(defaultYAML, &t); err != nil {
		panic(fmt.Sprintf("prompt: embedded templates invalid: %v", err))
	}
	return t
}

// LoadFile reads templates from a YAML file. Keys the file omits keep their
// built-in value.
//
// Postcondition: Returns validated templates or an error.
func LoadFile(path string) (Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Templates{}, fmt.Errorf("reading prompt templates %q: %w", path, err)
	}
	t := Default()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Templates{}, fmt.Errorf("parsing prompt templates %q: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Templates{}, fmt.Errorf("prompt templates %q: %w", path, err)
	}
	return t, nil
}

// Validate checks that every template is present and that the framing
// template parses.
func (t Templates) Validate() error {
	var errs []error
	if strings.TrimSpace(t.Framing) == "" {
		errs = append(errs, errors.New("framing must not be empty"))
	} else if _, err := template.New("framing").Option("missingkey=error").Parse(t.Framing); err != nil {
		errs = append(errs, fmt.Errorf("framing: %w", err))
	}
	if strings.TrimSpace(t.Apology) == "" {
		errs = append(errs, errors.New("apology must not be empty"))
	}
	if strings.TrimSpace(t.Summary) == "" {
		errs = append(errs, errors.New("summary must not be empty"))
	}
	return errors.Join(errs...)
}

// Hook calls a scripted framing builder. *scripting.Manager satisfies it.
type Hook interface {
	HasHook(scope, hook string) bool
	CallHookValues(ctx context.Context, scope, hook string, args ...any) (lua.LValue, error)
}

// Builder renders prompts for sessions. It is safe for concurrent use.
type Builder struct {
	templates Templates
	framing   *template.Template
	hook      Hook
	logger    *zap.Logger
}

// NewBuilder compiles templates. hook may be nil.
//
// Postcondition: Returns a ready Builder or the validation error.
func NewBuilder(t Templates, hook Hook, logger *zap.Logger) (*Builder, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := template.New("framing").Option("missingkey=error").Parse(t.Framing)
	if err != nil {
		return nil, fmt.Errorf("parsing framing template: %w", err)
	}
	return &Builder{templates: t, framing: tmpl, hook: hook, logger: logger.Named("prompt")}, nil
}

type framingData struct {
	Setting string
	Players []story.Player
}

// Framing renders the framing text for a session. Players are presented in
// name order. A scripted build_framing hook for scope takes precedence; if
// it fails or returns nothing the template is used.
func (b *Builder) Framing(ctx context.Context, scope, setting string, players []story.Player) string {
	sorted := append([]story.Player(nil), players...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	if text, ok := b.scripted(ctx, scope, setting, sorted); ok {
		return text
	}

	var buf bytes.Buffer
	if err := b.framing.Execute(&buf, framingData{Setting: setting, Players: sorted}); err != nil {
		b.logger.Error("rendering framing template", zap.String("session_id", scope), zap.Error(err))
		return fmt.Sprintf("You are guiding an immersive adventure with a %s setting.", setting)
	}
	return strings.TrimSpace(buf.String())
}

func (b *Builder) scripted(ctx context.Context, scope, setting string, players []story.Player) (string, bool) {
	if b.hook == nil || !b.hook.HasHook(scope, FramingHook) {
		return "", false
	}
	roster := make([]any, len(players))
	for i, p := range players {
		roster[i] = map[string]any{"id": p.ID, "name": p.Name, "backstory": p.Backstory}
	}
	ret, err := b.hook.CallHookValues(ctx, scope, FramingHook, setting, roster)
	if err != nil {
		b.logger.Warn("framing hook failed, using template", zap.String("session_id", scope), zap.Error(err))
		return "", false
	}
	s, ok := ret.(lua.LString)
	if !ok || strings.TrimSpace(string(s)) == "" {
		return "", false
	}
	return strings.TrimSpace(string(s)), true
}

// Apology returns the response committed when generation fails.
func (b *Builder) Apology() string { return strings.TrimSpace(b.templates.Apology) }

// SummaryInstruction returns the system prompt for summarization.
func (b *Builder) SummaryInstruction() string { return strings.TrimSpace(b.templates.Summary) }
