package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// readPassphrase prompts on the controlling terminal with echo
// suppressed, per spec §6. It falls back to a plain line read when
// stdin isn't a terminal (e.g. piped input in tests/CI).
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return "", err
		}
		return line, nil
	}

	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
