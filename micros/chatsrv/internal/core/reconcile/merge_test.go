package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
)

func msg(id int64, clientId string, cts int64) *msgmodel.Message {
	return &msgmodel.Message{MsgId: id, ClientId: clientId, ConvId: "c", Sender: "alice", Cts: cts, Seq: id}
}

func pend(clientId string, cts int64, status msgmodel.PendingStatus) *msgmodel.PendingMsg {
	return &msgmodel.PendingMsg{
		Message: msgmodel.Message{ClientId: clientId, ConvId: "c", Sender: "alice", Cts: cts},
		Status:  status,
	}
}

func clientIds(items []*Item) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ClientId)
	}
	return ids
}

func TestMergeEchoReplacesPending(t *testing.T) {
	auth := []*msgmodel.Message{msg(1, "a", 100), msg(2, "b", 200)}
	pending := []*msgmodel.PendingMsg{pend("b", 190, msgmodel.PendingSending), pend("c", 300, msgmodel.PendingSending)}

	items := Merge(auth, pending)

	require.Equal(t, []string{"a", "b", "c"}, clientIds(items))
	assert.False(t, items[1].Pending)
	assert.Equal(t, int64(200), items[1].Cts)
	assert.True(t, items[2].Pending)
}

func TestMergePlaceholderCtsTakesLocal(t *testing.T) {
	auth := []*msgmodel.Message{msg(1, "a", 100), msg(9, "late", 0)}
	pending := []*msgmodel.PendingMsg{pend("late", 150, msgmodel.PendingSending)}

	items := Merge(auth, pending)

	require.Len(t, items, 2)
	assert.Equal(t, "late", items[1].ClientId)
	assert.Equal(t, int64(150), items[1].Cts)
	assert.False(t, items[1].Pending)
	// input untouched
	assert.Equal(t, int64(0), auth[1].Cts)
}

func TestMergeDedupes(t *testing.T) {
	auth := []*msgmodel.Message{
		msg(1, "a", 100),
		msg(1, "a", 100),
		// a retried send that committed twice
		msg(2, "b", 200),
		msg(3, "b", 210),
	}

	items := Merge(auth, nil)

	require.Len(t, items, 2)
	assert.Equal(t, int64(2), items[1].MsgId)
}

func TestMergeOrderIsTotal(t *testing.T) {
	auth := []*msgmodel.Message{msg(3, "z", 100), msg(2, "y", 100), nil}
	pending := []*msgmodel.PendingMsg{pend("b", 100, msgmodel.PendingSending), pend("a", 100, msgmodel.PendingFailed)}

	items := Merge(auth, pending)

	// pending copies have Seq 0 and sort ahead of stored rows at the same Cts
	assert.Equal(t, []string{"a", "b", "y", "z"}, clientIds(items))
	assert.True(t, items[0].Failed)
}

func TestDeriveStatus(t *testing.T) {
	own := &Item{Message: msgmodel.Message{ClientId: "x", Sender: "alice", Cts: 100}}

	cases := []struct {
		name string
		it   *Item
		in   StatusInputs
		want msgmodel.DisplayStatus
	}{
		{
			name: "other sender",
			it:   &Item{Message: msgmodel.Message{Sender: "bob", Cts: 100}},
			in:   StatusInputs{Viewer: "alice"},
			want: "",
		},
		{
			name: "pending",
			it:   &Item{Message: own.Message, Pending: true},
			in:   StatusInputs{Viewer: "alice"},
			want: msgmodel.StatusSending,
		},
		{
			name: "failed",
			it:   &Item{Message: own.Message, Pending: true, Failed: true},
			in:   StatusInputs{Viewer: "alice"},
			want: msgmodel.StatusFailed,
		},
		{
			name: "waiting by client id",
			it:   own,
			in:   StatusInputs{Viewer: "alice", PendingIds: map[string]struct{}{"x": {}}},
			want: msgmodel.StatusSending,
		},
		{
			name: "read by everyone",
			it:   own,
			in: StatusInputs{
				Viewer:             "alice",
				RecipientsLastRead: map[string]int64{"bob": 100, "carol": 150},
			},
			want: msgmodel.StatusRead,
		},
		{
			name: "read by some, one online",
			it:   own,
			in: StatusInputs{
				Viewer:             "alice",
				RecipientsLastRead: map[string]int64{"bob": 100, "carol": 50},
				RecipientsOnline:   map[string]bool{"carol": true},
			},
			want: msgmodel.StatusDelivered,
		},
		{
			name: "nobody around",
			it:   own,
			in: StatusInputs{
				Viewer:             "alice",
				RecipientsLastRead: map[string]int64{"bob": 0},
				RecipientsOnline:   map[string]bool{"bob": false},
			},
			want: msgmodel.StatusSent,
		},
		{
			name: "no recipients",
			it:   own,
			in:   StatusInputs{Viewer: "alice"},
			want: msgmodel.StatusSent,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, DeriveStatus(c.it, c.in))
		})
	}
}
