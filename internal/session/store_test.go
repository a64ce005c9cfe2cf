package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return st
}

func TestAppendAndLoad(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Append("telegram:42", NewTurn("user", "hello", nil)))
	require.NoError(t, st.Append("telegram:42", NewTurn("assistant", "hi there", nil)))

	sess, err := st.Load("telegram:42")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, "user", sess.Turns[0].Role)
	assert.Equal(t, "hi there", sess.Turns[1].Content)
}

func TestLoadMissingSessionIsEmpty(t *testing.T) {
	st := newTestStore(t)

	sess, err := st.Load("never:seen")
	require.NoError(t, err)
	assert.Empty(t, sess.Turns)
	assert.Equal(t, "never:seen", sess.Settings.Key)
}

func TestMalformedLinesSkippedAndCounted(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Append("cli:local", NewTurn("user", "first", nil)))

	path := st.historyPath("cli:local")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{broken json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, st.Append("cli:local", NewTurn("assistant", "second", nil)))

	sess, err := st.Load("cli:local")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, "first", sess.Turns[0].Content)
	assert.Equal(t, "second", sess.Turns[1].Content)
}

func TestSafeKeySanitizesAndAvoidsCollisions(t *testing.T) {
	st := newTestStore(t)

	a := st.SafeKey("telegram:42")
	assert.Equal(t, "telegram_42", a)
	// Same key maps to the same name every time.
	assert.Equal(t, a, st.SafeKey("telegram:42"))

	// A distinct key that sanitizes identically gets a suffix.
	b := st.SafeKey("telegram/42")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(b, "telegram_42-"))
}

func TestSafeKeyCollisionsGetSeparateFiles(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Append("a:b", NewTurn("user", "colon", nil)))
	require.NoError(t, st.Append("a/b", NewTurn("user", "slash", nil)))

	one, err := st.Load("a:b")
	require.NoError(t, err)
	two, err := st.Load("a/b")
	require.NoError(t, err)

	require.Len(t, one.Turns, 1)
	require.Len(t, two.Turns, 1)
	assert.Equal(t, "colon", one.Turns[0].Content)
	assert.Equal(t, "slash", two.Turns[0].Content)
}

func TestSettingsRoundTrip(t *testing.T) {
	st := newTestStore(t)
	restrict := false
	require.NoError(t, st.SaveSettings("webui:dev", Settings{
		Model:             "openai/gpt-4o",
		Verbosity:         "concise",
		RestrictWorkspace: &restrict,
	}))

	sess, err := st.Load("webui:dev")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", sess.Settings.Model)
	assert.Equal(t, "webui:dev", sess.Settings.Key)
	require.NotNil(t, sess.Settings.RestrictWorkspace)
	assert.False(t, *sess.Settings.RestrictWorkspace)
}

func TestListOrdersByRecency(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Append("first:1", NewTurn("user", "a", nil)))
	require.NoError(t, st.Append("second:2", NewTurn("user", "b", nil)))

	// Make the ordering deterministic regardless of filesystem timestamp
	// granularity.
	old := filepath.Join(st.dir, st.SafeKey("first:1")+".log")
	info, err := os.Stat(old)
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(old, info.ModTime().Add(-time.Hour), info.ModTime().Add(-time.Hour)))

	infos := st.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "second_2", infos[0].Key)
}

func TestDeleteRemovesHistoryAndSettings(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Append("gone:1", NewTurn("user", "bye", nil)))
	require.NoError(t, st.SaveSettings("gone:1", Settings{Model: "m"}))

	require.NoError(t, st.Delete("gone:1"))

	sess, err := st.Load("gone:1")
	require.NoError(t, err)
	assert.Empty(t, sess.Turns)
	assert.Empty(t, sess.Settings.Model)
}

func TestHistoryMapsSystemToUser(t *testing.T) {
	s := &Session{Turns: []Turn{
		{Role: "system", Content: "subagent result"},
		{Role: "assistant", Content: "noted"},
	}}
	h := s.History()
	require.Len(t, h, 2)
	assert.Equal(t, "user", h[0]["role"])
	assert.Equal(t, "assistant", h[1]["role"])
}
