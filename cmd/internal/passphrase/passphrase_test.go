package passphrase

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSource(env map[string]string, tty bool, inputs ...string) *Source {
	s := NewSource("POOLCTL_PASS", "")
	s.lookup = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.terminal = func() bool { return tty }
	s.read = func() ([]byte, error) {
		if len(inputs) == 0 {
			return nil, errors.New("no input")
		}
		next := inputs[0]
		inputs = inputs[1:]
		return []byte(next), nil
	}
	s.out = &bytes.Buffer{}
	return s
}

func TestSourcePrefersEnvironment(t *testing.T) {
	s := testSource(map[string]string{"POOLCTL_PASS": "from-env"}, false)
	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "from-env", got)
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	_, err := testSource(map[string]string{"POOLCTL_PASS": "  "}, true).Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestSourceRequiresTerminal(t *testing.T) {
	_, err := testSource(nil, false).Get()
	require.ErrorContains(t, err, "POOLCTL_PASS")
}

func TestSourcePromptsAndCaches(t *testing.T) {
	s := testSource(nil, true, "secret")
	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "secret", got)
	again, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "secret", again)
}

func TestSourceConfirmation(t *testing.T) {
	_, err := testSource(nil, true, "one", "two").WithConfirmation().Get()
	require.ErrorContains(t, err, "do not match")

	got, err := testSource(nil, true, "same", "same").WithConfirmation().Get()
	require.NoError(t, err)
	require.Equal(t, "same", got)
}
