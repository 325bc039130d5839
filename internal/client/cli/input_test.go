package cli

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubPassword(t *testing.T, pw string, err error) {
	t.Helper()
	old := readPassword
	readPassword = func(int) ([]byte, error) {
		if err != nil {
			return nil, err
		}
		return []byte(pw), nil
	}
	t.Cleanup(func() { readPassword = old })
}

func TestGetSimpleText(t *testing.T) {
	in := bufio.NewReader(strings.NewReader("hello world\n"))
	var out bytes.Buffer
	got, err := GetSimpleText(in, "Name?", &out)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
	assert.Equal(t, "Name?\n> ", out.String())
}

func TestGetSimpleTextEOF(t *testing.T) {
	in := bufio.NewReader(strings.NewReader("lastline"))
	var out bytes.Buffer
	got, err := GetSimpleText(in, "Name?", &out)
	require.NoError(t, err)
	assert.Equal(t, "lastline", got)

	_, err = GetSimpleText(bufio.NewReader(strings.NewReader("")), "Name?", &out)
	require.Error(t, err)
}

func TestGetSecret(t *testing.T) {
	stubPassword(t, "s3cret", nil)
	var out bytes.Buffer
	got, err := GetSecret(&out, "Secret: ")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), got)
	assert.Equal(t, "Secret: \n", out.String())
}

func TestGetSecret_Errors(t *testing.T) {
	stubPassword(t, "", errors.New("boom"))
	_, err := GetSecret(&bytes.Buffer{}, "Secret: ")
	require.Error(t, err)

	stubPassword(t, "", nil)
	_, err = GetSecret(&bytes.Buffer{}, "Secret: ")
	require.Error(t, err)
}

func TestReadSecret_PrefersEnv(t *testing.T) {
	stubPassword(t, "", errors.New("terminal must not be read"))
	env := func(k string) (string, bool) {
		if k == EnvSecret {
			return "from-env", true
		}
		return "", false
	}
	got, err := readSecret(env, EnvSecret, &bytes.Buffer{}, "Secret: ")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-env"), got)
}

func TestParseFields(t *testing.T) {
	got, err := parseFields([]string{`title=hello world`, `count=3`, `done=true`, `tags=["a","b"]`, `quoted="7"`})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"title":  "hello world",
		"count":  float64(3),
		"done":   true,
		"tags":   []any{"a", "b"},
		"quoted": "7",
	}, got)

	_, err = parseFields(nil)
	require.Error(t, err)
	_, err = parseFields([]string{"novalue"})
	require.Error(t, err)
	_, err = parseFields([]string{"=x"})
	require.Error(t, err)
}
