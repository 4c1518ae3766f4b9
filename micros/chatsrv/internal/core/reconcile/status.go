package reconcile

import (
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
)

type StatusInputs struct {
	Viewer string
	// client ids the viewer still waits on
	PendingIds map[string]struct{}
	// every recipient, i.e. every member but the viewer, mapped to the
	// last time they read the conversation
	RecipientsLastRead map[string]int64
	RecipientsOnline   map[string]bool
}

// DeriveStatus is the delivery state of one of the viewer's own messages.
// Messages from others have no status.
func DeriveStatus(it *Item, in StatusInputs) msgmodel.DisplayStatus {
	if it.Sender != in.Viewer {
		return ""
	}

	_, waiting := in.PendingIds[it.ClientId]
	if it.Pending || (it.ClientId != "" && waiting) {
		if it.Failed {
			return msgmodel.StatusFailed
		}
		return msgmodel.StatusSending
	}

	if len(in.RecipientsLastRead) > 0 {
		read := true
		for _, ts := range in.RecipientsLastRead {
			if ts < it.Cts {
				read = false
				break
			}
		}
		if read {
			return msgmodel.StatusRead
		}
	}

	for _, online := range in.RecipientsOnline {
		if online {
			return msgmodel.StatusDelivered
		}
	}

	return msgmodel.StatusSent
}
