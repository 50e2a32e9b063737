// Package terminal drives an intake session from an interactive terminal.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
)

// ErrAborted is returned when the user interrupts a prompt.
var ErrAborted = errors.New("terminal: prompt aborted")

type InputConfig struct {
	Message string
	Default string
	Help    string
}

type ConfirmConfig struct {
	Message string
	Default bool
}

type SelectConfig struct {
	Message      string
	Options      []string
	DefaultIndex int
	PageSize     int
}

// Prompter abstracts the terminal so the runner can be driven by a script in tests.
type Prompter interface {
	Input(ctx context.Context, cfg InputConfig) (string, error)
	Confirm(ctx context.Context, cfg ConfirmConfig) (bool, error)
	Select(ctx context.Context, cfg SelectConfig) (int, error)
	Info(ctx context.Context, msg string) error
}

// SurveyPrompter asks questions with survey.
type SurveyPrompter struct {
	out  io.Writer
	opts []survey.AskOpt
}

// NewSurveyPrompter prompts on the process terminal. Extra options, such as
// survey.WithStdio, are passed to every question.
func NewSurveyPrompter(opts ...survey.AskOpt) *SurveyPrompter {
	return &SurveyPrompter{out: os.Stdout, opts: opts}
}

func (p *SurveyPrompter) Input(ctx context.Context, cfg InputConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var out string
	prompt := &survey.Input{
		Message: cfg.Message,
		Default: cfg.Default,
		Help:    cfg.Help,
	}
	if err := survey.AskOne(prompt, &out, p.opts...); err != nil {
		return "", translateSurveyErr(err)
	}
	return out, nil
}

func (p *SurveyPrompter) Confirm(ctx context.Context, cfg ConfirmConfig) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var out bool
	prompt := &survey.Confirm{
		Message: cfg.Message,
		Default: cfg.Default,
	}
	if err := survey.AskOne(prompt, &out, p.opts...); err != nil {
		return false, translateSurveyErr(err)
	}
	return out, nil
}

func (p *SurveyPrompter) Select(ctx context.Context, cfg SelectConfig) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var out int
	prompt := &survey.Select{
		Message: cfg.Message,
		Options: cfg.Options,
	}
	if cfg.PageSize > 0 {
		prompt.PageSize = cfg.PageSize
	}
	if cfg.DefaultIndex >= 0 && cfg.DefaultIndex < len(cfg.Options) {
		prompt.Default = cfg.Options[cfg.DefaultIndex]
	}
	if err := survey.AskOne(prompt, &out, p.opts...); err != nil {
		return 0, translateSurveyErr(err)
	}
	return out, nil
}

func (p *SurveyPrompter) Info(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(p.out, msg)
	return err
}

func translateSurveyErr(err error) error {
	if errors.Is(err, terminal.InterruptErr) {
		return ErrAborted
	}
	return err
}
