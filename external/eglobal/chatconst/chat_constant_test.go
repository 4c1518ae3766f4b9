package chatconst

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectConvIdIsOrderIndependent(t *testing.T) {
	assert.Equal(t, DirectConvId("bob", "alice"), DirectConvId("alice", "bob"))
	assert.Equal(t, "p2p:alice:bob", DirectConvId("bob", "alice"))

	a, b, ok := ParseDirectConvId("p2p:alice:bob")
	assert.True(t, ok)
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)

	_, _, ok = ParseDirectConvId("g:123")
	assert.False(t, ok)
}
