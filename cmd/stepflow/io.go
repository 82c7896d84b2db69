package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// consoleIO is the interactive text surface: prompt out, answer in.
type consoleIO struct {
	in  *bufio.Scanner
	out io.Writer
}

func newConsoleIO(in io.Reader, out io.Writer) *consoleIO {
	return &consoleIO{in: bufio.NewScanner(in), out: out}
}

func (c *consoleIO) Ask(ctx context.Context, prompt string) (string, error) {
	if _, err := fmt.Fprintf(c.out, "\n%s\n> ", prompt); err != nil {
		return "", err
	}
	if !c.in.Scan() {
		if err := c.in.Err(); err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return "", io.EOF
	}
	return strings.TrimSpace(c.in.Text()), nil
}

func (c *consoleIO) Say(ctx context.Context, msg string) error {
	_, err := fmt.Fprintln(c.out, msg)
	return err
}
