package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsID(t *testing.T) {
	m := New(RoleUser, "hi")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, RoleUser, m.Role)
	assert.Equal(t, "hi", m.Content)

	other := New(RoleUser, "hi")
	assert.NotEqual(t, m.ID, other.ID)
}

func TestAppendAssignsMissingID(t *testing.T) {
	l := NewList()
	l.Append(Message{Role: RoleUser, Content: "a"})
	l.Append(Message{ID: "fixed", Role: RoleUser, Content: "b"})

	msgs := l.All()
	require.Len(t, msgs, 2)
	assert.NotEmpty(t, msgs[0].ID)
	assert.Equal(t, "fixed", msgs[1].ID)
}

func TestAllReturnsCopy(t *testing.T) {
	l := NewList(New(RoleUser, "a"))
	msgs := l.All()
	msgs[0].Content = "mutated"
	assert.Equal(t, "a", l.All()[0].Content)
}

func TestByRole(t *testing.T) {
	l := NewList(
		New(RoleSystem, "sys"),
		New(RoleUser, "u1"),
		New(RoleAssistant, "a1"),
		New(RoleUser, "u2"),
	)
	users := l.ByRole(RoleUser)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].Content)
	assert.Equal(t, "u2", users[1].Content)
	assert.Empty(t, l.ByRole(RoleTool))
}

func TestReplaceKeepsIdentity(t *testing.T) {
	orig := New(RoleUser, "before")
	l := NewList(orig)

	ok := l.Replace(orig.ID, Message{ID: "ignored", Role: RoleUser, Content: "after"})
	require.True(t, ok)

	msgs := l.All()
	assert.Equal(t, orig.ID, msgs[0].ID)
	assert.Equal(t, "after", msgs[0].Content)

	assert.False(t, l.Replace("missing", Message{}))
}

func TestRemove(t *testing.T) {
	first := New(RoleUser, "a")
	second := New(RoleUser, "b")
	l := NewList(first, second)

	require.True(t, l.Remove(first.ID))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, second.ID, l.All()[0].ID)
	assert.False(t, l.Remove(first.ID))
}

func TestSetAll(t *testing.T) {
	l := NewList(New(RoleUser, "old"))
	l.SetAll([]Message{
		{Role: RoleSystem, Content: "sys"},
		{ID: "keep", Role: RoleUser, Content: "new"},
	})

	msgs := l.All()
	require.Len(t, msgs, 2)
	assert.NotEmpty(t, msgs[0].ID)
	assert.Equal(t, "keep", msgs[1].ID)
}

func TestCloneIsIndependent(t *testing.T) {
	l := NewList(New(RoleUser, "a"))
	cp := l.Clone()
	cp.Append(New(RoleUser, "b"))

	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 2, cp.Len())
}
