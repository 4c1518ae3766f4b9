package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHolderNotifiesChanges(t *testing.T) {
	h := NewHolder()

	type change struct {
		uid      string
		signedIn bool
	}
	var changes []change

	unsub := h.OnSessionChange(func(id Identity, signedIn bool) {
		changes = append(changes, change{id.Uid, signedIn})
	})

	h.SignIn(Identity{Uid: "a"})
	h.SignIn(Identity{Uid: "a"})
	h.SignIn(Identity{Uid: "b"})

	cur, ok := h.CurrentUser()
	assert.True(t, ok)
	assert.Equal(t, "b", cur.Uid)

	h.SignOut()
	h.SignOut()
	unsub()
	unsub()
	h.SignIn(Identity{Uid: "c"})

	assert.Equal(t, []change{{"a", true}, {"b", true}, {"b", false}}, changes)
}
