// Package cli provides interactive terminal prompt helpers for the gateway
// setup and login commands.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// ErrNoInput is returned when input ends before a required answer is given.
var ErrNoInput = errors.New("no input")

// Prompter handles interactive terminal prompts.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
	eof     bool
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// readLine reads a single trimmed line. It reports false once input is exhausted.
func (p *Prompter) readLine() (string, bool) {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text()), true
	}
	p.eof = true
	return "", false
}

// Ask prints a question with a default value and reads one line.
// Returns the default if the user presses Enter without typing.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		p.printf("%s [%s]: ", question, defaultVal)
	} else {
		p.printf("%s: ", question)
	}
	if line, _ := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskRequired repeats the question until a non-empty answer is given.
func (p *Prompter) AskRequired(question string) (string, error) {
	for {
		p.printf("%s: ", question)
		line, ok := p.readLine()
		if line != "" {
			return line, nil
		}
		if !ok {
			return "", ErrNoInput
		}
		p.printf("  A value is required.\n")
	}
}

// AskPassword reads a line without echoing. Falls back to plain read if
// stdin is not a terminal (e.g. during tests or piped input).
func (p *Prompter) AskPassword(question string) string {
	p.printf("%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}

	line, _ := p.readLine()
	return line
}

// AskNewPassword asks for a password twice and requires both entries to
// match and be at least minLen characters long.
func (p *Prompter) AskNewPassword(question string, minLen int) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		pw := p.AskPassword(question)
		if p.eof && pw == "" {
			return "", ErrNoInput
		}
		if len(pw) < minLen {
			p.printf("  Password must be at least %d characters.\n", minLen)
			continue
		}
		if again := p.AskPassword("  Confirm"); again != pw {
			p.printf("  Passwords do not match.\n")
			continue
		}
		return pw, nil
	}
	return "", errors.New("too many attempts")
}

// AskDuration asks for a Go duration such as "15m" or "720h".
func (p *Prompter) AskDuration(question string, defaultVal time.Duration) time.Duration {
	for {
		ans := p.Ask(question, defaultVal.String())
		d, err := time.ParseDuration(ans)
		if err == nil && d > 0 {
			return d
		}
		if p.eof {
			return defaultVal
		}
		p.printf("  Please enter a duration like 15m or 24h.\n")
	}
}

// Choose presents a numbered list of options and returns the selected value.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}

	for {
		ans := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		n, err := strconv.Atoi(ans)
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		if p.eof {
			return options[defaultIdx]
		}
		p.printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
