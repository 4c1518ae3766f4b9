package msgmgr

import (
	"context"

	"github.com/gammazero/deque"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/metrics"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/convrepo"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

// pageArena buffers backward pages of one conversation. cursor is the Cts
// of the oldest message fetched so far.
type pageArena struct {
	buf       deque.Deque[*msgmodel.Message]
	cursor    int64
	pages     int
	exhausted bool
}

func (pa *pageArena) fill(ctx context.Context, mm *msgManager, convId string) error {
	msgs, err := mm.Mr.FindConvMsgs(ctx, convId, pa.cursor, mm.opts.PreviewPageSize)
	if err != nil {
		return err
	}

	pa.pages++
	for _, m := range msgs {
		pa.buf.PushBack(m)
	}

	if len(msgs) < mm.opts.PreviewPageSize {
		pa.exhausted = true
	}

	if len(msgs) > 0 {
		pa.cursor = msgs[len(msgs)-1].Cts
	}

	return nil
}

// latestVisible scans backwards within the page budget for the newest
// message viewer can see. nil means nothing was found.
func (mm *msgManager) latestVisible(ctx context.Context, convId, viewer string) (*msgmodel.Message, error) {
	var arena pageArena
	for {
		for arena.buf.Len() > 0 {
			m := arena.buf.PopFront()
			if m.VisibleTo(viewer) {
				return m, nil
			}
		}

		if arena.exhausted || arena.pages >= mm.opts.PreviewBudget {
			return nil, nil
		}

		if err := arena.fill(ctx, mm, convId); err != nil {
			return nil, err
		}
	}
}

// recomputePreview rewrites the conversation summary after a delete. When the
// budget runs out the preview is cleared rather than left pointing at a
// deleted message.
func (mm *msgManager) recomputePreview(ctx context.Context, convId, viewer string) {
	lg := mylog.WithConv(convId)

	m, err := mm.latestVisible(ctx, convId, viewer)
	if err != nil {
		metrics.PreviewRecomputeTotal.WithLabelValues(metrics.ResultError).Inc()
		lg.Error().Stack().Err(err).Msg("scan preview candidates failed")
		return
	}

	var pv convrepo.Preview
	if m != nil {
		pv = convrepo.Preview{Text: m.Content.Preview(), Sender: m.Sender, MsgId: m.MsgId}
		metrics.PreviewRecomputeTotal.WithLabelValues(metrics.ResultFound).Inc()
	} else {
		metrics.PreviewRecomputeTotal.WithLabelValues(metrics.ResultExhausted).Inc()
		lg.Debug().Str("viewer", viewer).Msg("no visible message within budget, preview cleared")
	}

	if err = mm.Cr.SetPreview(ctx, convId, pv); err != nil {
		metrics.PreviewRecomputeTotal.WithLabelValues(metrics.ResultError).Inc()
		lg.Error().Stack().Err(err).Msg("update preview failed")
	}
}
