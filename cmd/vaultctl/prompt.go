package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// prompter reads secrets from a terminal without echo, or line by line
// from a pipe.
type prompter struct {
	in       *bufio.Reader
	fd       int
	terminal bool
	out      io.Writer
}

func newPrompter(in *os.File, out io.Writer) *prompter {
	fd := int(in.Fd())
	return &prompter{
		in:       bufio.NewReader(in),
		fd:       fd,
		terminal: term.IsTerminal(fd),
		out:      out,
	}
}

func (p *prompter) secret(label string) (string, error) {
	if !p.terminal {
		line, err := p.in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprintf(p.out, "%s: ", label)
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
	}
	return string(b), nil
}

// newPassword asks twice on a terminal.
func (p *prompter) newPassword() (string, error) {
	pw, err := p.secret("New password")
	if err != nil {
		return "", err
	}
	if !p.terminal {
		return pw, nil
	}
	again, err := p.secret("Repeat password")
	if err != nil {
		return "", err
	}
	if pw != again {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}
