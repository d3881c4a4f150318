package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckFileName(t *testing.T) {
	t.Parallel()

	valid := []string{
		"5d41402abc4b2a76b9719d911017c592.bundle",
		"ui_login_abc123.bundle",
		"game.version",
		"game_v1.json",
		"a..b",
	}
	for _, name := range valid {
		assert.NoError(t, CheckFileName(name), name)
	}

	invalid := []string{"", ".", "..", ".hidden", "../etc/passwd", "a/b", `a\b`, "a\x00b"}
	for _, name := range invalid {
		assert.ErrorIs(t, CheckFileName(name), ErrInvalidName, name)
	}
}
