// Package prompt asks the user questions. When stdin is not a terminal, or
// --yes was given, every question resolves to its default without blocking.
package prompt

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// ErrAborted is returned when the user cancels a prompt.
var ErrAborted = errors.New("aborted by user")

// ErrNoDefault is returned by non-interactive prompts that have nothing to
// fall back on.
var ErrNoDefault = errors.New("input required but not running interactively")

// Option is one choice of a Select.
type Option struct {
	Label string
	Value string
}

// Prompter asks questions.
type Prompter interface {
	// Input asks for a line of text. validate may be nil.
	Input(title, def string, validate func(string) error) (string, error)
	// Secret asks for text without echoing it.
	Secret(title, def string) (string, error)
	// Text asks for multi-line text.
	Text(title, def string) (string, error)
	// Confirm asks a yes/no question.
	Confirm(title string, def bool) (bool, error)
	// Select picks one of options. def is the preselected value.
	Select(title string, options []Option, def string) (string, error)
	// Interactive reports whether a human is answering.
	Interactive() bool
}

// New returns an interactive prompter when stdin and stdout are terminals
// and assumeYes is false, and a non-interactive one otherwise.
func New(assumeYes bool) Prompter {
	if assumeYes || !IsTerminal() {
		return Defaults{}
	}
	return Terminal{}
}

// IsTerminal reports whether stdin and stdout are attached to a terminal.
func IsTerminal() bool {
	return isTTY(os.Stdin.Fd()) && isTTY(os.Stdout.Fd())
}

func isTTY(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Terminal prompts with huh forms.
type Terminal struct{}

func (Terminal) Interactive() bool { return true }

func (Terminal) Input(title, def string, validate func(string) error) (string, error) {
	value := def
	field := huh.NewInput().Title(title).Value(&value)
	if def != "" {
		field = field.Placeholder(def)
	}
	if validate != nil {
		field = field.Validate(validate)
	}
	return value, aborted(field.Run())
}

func (Terminal) Secret(title, def string) (string, error) {
	value := def
	field := huh.NewInput().Title(title).EchoMode(huh.EchoModePassword).Value(&value)
	return value, aborted(field.Run())
}

func (Terminal) Text(title, def string) (string, error) {
	value := def
	field := huh.NewText().Title(title).Value(&value)
	return value, aborted(field.Run())
}

func (Terminal) Confirm(title string, def bool) (bool, error) {
	value := def
	field := huh.NewConfirm().Title(title).Affirmative("Yes").Negative("No").Value(&value)
	return value, aborted(field.Run())
}

func (Terminal) Select(title string, options []Option, def string) (string, error) {
	if len(options) == 0 {
		return "", fmt.Errorf("%s: nothing to choose from", title)
	}
	opts := make([]huh.Option[string], 0, len(options))
	for _, o := range options {
		opts = append(opts, huh.NewOption(o.Label, o.Value))
	}
	value := def
	field := huh.NewSelect[string]().Title(title).Options(opts...).Value(&value)
	return value, aborted(field.Run())
}

func aborted(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return ErrAborted
	}
	return err
}

// Defaults answers every question with its default.
type Defaults struct{}

func (Defaults) Interactive() bool { return false }

func (Defaults) Input(title, def string, validate func(string) error) (string, error) {
	if validate != nil {
		if err := validate(def); err != nil {
			return "", fmt.Errorf("%s: %w", title, err)
		}
	}
	return def, nil
}

func (Defaults) Secret(title, def string) (string, error) {
	return def, nil
}

func (Defaults) Text(title, def string) (string, error) {
	return def, nil
}

func (Defaults) Confirm(title string, def bool) (bool, error) {
	return def, nil
}

func (Defaults) Select(title string, options []Option, def string) (string, error) {
	if def != "" {
		return def, nil
	}
	return "", fmt.Errorf("%s: %w", title, ErrNoDefault)
}

// Scripted answers from a queue, for tests. Each call pops the next answer;
// an empty queue falls back to the default.
type Scripted struct {
	Answers []string
	Asked   []string
}

func (s *Scripted) Interactive() bool { return true }

func (s *Scripted) next(title, def string) string {
	s.Asked = append(s.Asked, title)
	if len(s.Answers) == 0 {
		return def
	}
	a := s.Answers[0]
	s.Answers = s.Answers[1:]
	return a
}

func (s *Scripted) Input(title, def string, validate func(string) error) (string, error) {
	v := s.next(title, def)
	if validate != nil {
		if err := validate(v); err != nil {
			return "", err
		}
	}
	return v, nil
}

func (s *Scripted) Secret(title, def string) (string, error) { return s.next(title, def), nil }

func (s *Scripted) Text(title, def string) (string, error) { return s.next(title, def), nil }

func (s *Scripted) Confirm(title string, def bool) (bool, error) {
	d := "n"
	if def {
		d = "y"
	}
	switch s.next(title, d) {
	case "y", "yes", "true":
		return true, nil
	case "abort":
		return false, ErrAborted
	default:
		return false, nil
	}
}

func (s *Scripted) Select(title string, options []Option, def string) (string, error) {
	v := s.next(title, def)
	for _, o := range options {
		if o.Value == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s: %q is not an option", title, v)
}
