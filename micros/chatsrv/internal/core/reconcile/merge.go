package reconcile

import (
	"sort"

	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
)

// Item is one row of a conversation view, either an authoritative message
// or a local copy still on its way.
type Item struct {
	msgmodel.Message
	Pending  bool                   `json:"pending"`
	Failed   bool                   `json:"failed"`
	Attempts int                    `json:"attempts,omitempty"`
	Status   msgmodel.DisplayStatus `json:"status,omitempty"`
}

// Merge combines the authoritative window with the local pending copies.
// An echo replaces its pending twin by ClientId and keeps the local Cts
// while its own is still a placeholder. The result holds each MsgId and
// ClientId once, ascending by (Cts, Seq, ClientId). Inputs are not modified.
func Merge(authoritative []*msgmodel.Message, pending []*msgmodel.PendingMsg) []*Item {
	localCts := make(map[string]int64, len(pending))
	for _, p := range pending {
		if p.ClientId != "" {
			localCts[p.ClientId] = p.Cts
		}
	}

	var (
		out     = make([]*Item, 0, len(authoritative)+len(pending))
		seenMsg = make(map[int64]struct{}, len(authoritative))
		seenCli = make(map[string]*Item, len(authoritative))
	)

	for _, m := range sortedCopy(authoritative) {
		if _, ok := seenMsg[m.MsgId]; ok {
			continue
		}
		seenMsg[m.MsgId] = struct{}{}

		it := &Item{Message: *m}
		if it.Cts == 0 {
			it.Cts = localCts[it.ClientId]
		}

		if it.ClientId != "" {
			// a retried send may commit twice, the first commit wins
			if _, ok := seenCli[it.ClientId]; ok {
				continue
			}
			seenCli[it.ClientId] = it
		}

		out = append(out, it)
	}

	for _, p := range pending {
		if p.ClientId != "" {
			if _, ok := seenCli[p.ClientId]; ok {
				continue
			}
		}

		out = append(out, &Item{
			Message:  p.Message,
			Pending:  p.Status != msgmodel.PendingSent,
			Failed:   p.Failed || p.Status == msgmodel.PendingFailed,
			Attempts: p.Attempts,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return less(&out[i].Message, &out[j].Message)
	})

	return out
}

func less(a, b *msgmodel.Message) bool {
	if a.Cts != b.Cts {
		return a.Cts < b.Cts
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ClientId < b.ClientId
}

func sortedCopy(msgs []*msgmodel.Message) []*msgmodel.Message {
	cp := make([]*msgmodel.Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil {
			cp = append(cp, m)
		}
	}

	sort.SliceStable(cp, func(i, j int) bool {
		return less(cp[i], cp[j])
	})
	return cp
}
