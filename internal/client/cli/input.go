package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dmitrijs2005/gophsync/internal/client/config"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// stdinFd returns the descriptor handed to readPassword.
var stdinFd = func() int { return int(os.Stdin.Fd()) }

const (
	EnvSecret    = config.EnvPrefix + "SECRET"
	EnvNewSecret = config.EnvPrefix + "NEW_SECRET"
)

// GetSimpleText prints a prompt to w and reads one trimmed line. A final
// line without a newline is returned as is.
func GetSimpleText(reader *bufio.Reader, prompt string, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, prompt+"\n> "); err != nil {
		return "", err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// GetSecret reads a secret from the terminal without echo.
// The caller wipes the returned slice.
func GetSecret(w io.Writer, prompt string) ([]byte, error) {
	if _, err := fmt.Fprint(w, prompt); err != nil {
		return nil, err
	}
	pw, err := readPassword(stdinFd())
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	if len(pw) == 0 {
		return nil, errors.New("empty secret")
	}
	return pw, nil
}

// readSecret returns the secret from the env variable key or, when unset,
// from the terminal.
func readSecret(env config.Env, key string, w io.Writer, prompt string) ([]byte, error) {
	if v, ok := env(key); ok && v != "" {
		return []byte(v), nil
	}
	return GetSecret(w, prompt)
}

// parseFields turns name=value arguments into a field map. Values that
// parse as JSON keep their type; anything else is a string.
func parseFields(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, errors.New("no fields given")
	}
	fields := make(map[string]any, len(args))
	for _, a := range args {
		name, raw, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q, want name=value", a)
		}
		fields[name] = parseValue(raw)
	}
	return fields, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
