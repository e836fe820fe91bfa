package ui

import (
	"errors"
	"fmt"
	"os"
	"strings"

	survey "github.com/AlecAivazis/survey/v2"
	"github.com/moby/term"
)

// ErrNotInteractive is returned by prompts when stdin is not a terminal.
var ErrNotInteractive = errors.New("prompt needs an interactive terminal")

// SelectOption is an item offered by SelectMany.
type SelectOption interface {
	OptionLabel() string // what the user sees
	OptionID() string    // stable identifier for logs and logic
}

// ToSelectOptions converts a slice of any SelectOption implementation.
func ToSelectOptions[T SelectOption](items []T) []SelectOption {
	out := make([]SelectOption, len(items))
	for i := range items {
		out[i] = items[i]
	}
	return out
}

func interactive() bool {
	_, isTerm := term.GetFdInfo(os.Stdin)
	return isTerm
}

// settleTail closes a live tail box so a prompt does not draw over it.
func (l *Logger) settleTail() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeTailLocked()
}

func formatOptionsForLog(options []SelectOption) string {
	parts := make([]string, 0, len(options))
	for _, opt := range options {
		parts = append(parts, fmt.Sprintf("%s(%s)", opt.OptionID(), opt.OptionLabel()))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Confirm asks a yes/no question defaulting to no. Prompt and answer are
// recorded in the full log.
func (l *Logger) Confirm(text string) (bool, error) {
	if !interactive() {
		return false, ErrNotInteractive
	}
	l.settleTail()
	l.InfoSilent("PROMPT: %s", text)

	var yes bool
	err := survey.AskOne(
		&survey.Confirm{Message: text, Default: false},
		&yes,
		survey.WithStdio(os.Stdin, os.Stderr, os.Stderr),
	)
	if err != nil {
		return false, err
	}
	l.InfoSilent("ANSWER: %t", yes)
	return yes, nil
}

// SelectMany asks the user to pick any number of options (space toggles,
// enter confirms).
func (l *Logger) SelectMany(label string, options []SelectOption) ([]SelectOption, error) {
	if len(options) == 0 {
		return nil, errors.New("SelectMany: no options provided")
	}
	if !interactive() {
		return nil, ErrNotInteractive
	}

	l.settleTail()
	l.InfoSilent("PROMPT: %s (options: %s)", label, formatOptionsForLog(options))

	display := make([]string, len(options))
	for i, opt := range options {
		display[i] = opt.OptionLabel()
	}

	var chosen []int
	err := survey.AskOne(
		&survey.MultiSelect{Message: label, Options: display, PageSize: 15},
		&chosen,
		survey.WithStdio(os.Stdin, os.Stderr, os.Stderr),
	)
	if err != nil {
		l.Error("PROMPT FAILED: %v", err)
		return nil, err
	}

	values := make([]SelectOption, 0, len(chosen))
	for _, i := range chosen {
		values = append(values, options[i])
	}
	l.InfoSilent("ANSWER: %s", formatOptionsForLog(values))
	return values, nil
}
