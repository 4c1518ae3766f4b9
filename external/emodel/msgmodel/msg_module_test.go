package msgmodel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVisibleToSoftDelete(t *testing.T) {
	hidden := &Message{MsgId: 1, DeletedFor: []string{"x"}}
	gone := &Message{MsgId: 2, Deleted: true}
	plain := &Message{MsgId: 3}

	msgs := []*Message{hidden, gone, plain}

	forX := VisibleTo(msgs, "x")
	assert.Equal(t, []*Message{plain}, forX)

	forY := VisibleTo(msgs, "y")
	assert.Equal(t, []*Message{hidden, plain}, forY)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hi", MsgContent{Text: "  hi "}.Preview())
	assert.Equal(t, "[image]", MsgContent{MediaUrl: "u", MediaKind: MediaImage}.Preview())
	assert.Equal(t, "[file]", MsgContent{MediaUrl: "u"}.Preview())
	assert.Equal(t, "", MsgContent{}.Preview())

	long := strings.Repeat("é", 100)
	p := MsgContent{Text: long}.Preview()
	assert.True(t, strings.HasSuffix(p, "…"))
	assert.Equal(t, 81, len([]rune(p)))
}
