package sync

import (
	"slices"
	"time"

	"github.com/matheus3301/convsync/internal/model"
	"github.com/samber/lo"
)

// MergeResult describes what a Merge changed.
type MergeResult struct {
	Messages []model.Message
	// Added are server messages that had no local counterpart.
	Added []model.Message
	// Replaced are server messages that took the place of a provisional one.
	Replaced []model.Message
	// Updated counts known messages whose state or content changed.
	Updated int
}

// Changed reports whether the merge altered the list.
func (r MergeResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Replaced) > 0 || r.Updated > 0
}

// Merge folds server messages into a conversation's current list.
//
// A server message whose id is known updates that entry in place. Otherwise
// it replaces the oldest provisional entry with the same ClientID or, when
// the server echoed none, the same sender, receiver and content created
// within echoWindow. Anything else is appended with the next Seq. The result
// is stably sorted by CreatedAt then Seq.
//
// Merge is pure and idempotent: Merge(Merge(l, in).Messages, in) returns the
// same list with no changes reported.
func Merge(current, incoming []model.Message, echoWindow time.Duration) MergeResult {
	list := slices.Clone(current)
	res := MergeResult{}
	seq := lo.MaxBy(list, func(a, b model.Message) bool { return a.Seq > b.Seq }).Seq

	for _, in := range incoming {
		if in.ID == "" {
			continue
		}
		in.State = model.MaxState(model.Sent, in.State)

		if i := slices.IndexFunc(list, func(m model.Message) bool { return m.ID == in.ID }); i >= 0 {
			if next, changed := refresh(list[i], in); changed {
				list[i] = next
				res.Updated++
			}
			// The echo may have landed without its ClientID; drop the
			// provisional now that the correlation is known.
			if in.ClientID != "" {
				before := len(list)
				list = slices.DeleteFunc(list, func(m model.Message) bool {
					return m.IsProvisional() && m.ClientID == in.ClientID
				})
				if len(list) != before {
					res.Updated++
				}
			}
			continue
		}

		if i := matchProvisional(list, in, echoWindow); i >= 0 {
			prov := list[i]
			in.Seq = prov.Seq
			if in.ClientID == "" {
				in.ClientID = prov.ClientID
			}
			list[i] = in
			res.Replaced = append(res.Replaced, in)
			continue
		}

		seq++
		in.Seq = seq
		list = append(list, in)
		res.Added = append(res.Added, in)
	}

	slices.SortStableFunc(list, compareMessages)
	res.Messages = list
	return res
}

func compareMessages(a, b model.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	default:
		return 0
	}
}

// refresh applies server fields to a known message. State never regresses
// and the local Seq is kept.
func refresh(cur, in model.Message) (model.Message, bool) {
	next := cur
	next.State = model.MaxState(cur.State, in.State)
	if in.Content != "" {
		next.Content = in.Content
	}
	if in.Attachment != nil && (cur.Attachment == nil || *cur.Attachment != *in.Attachment) {
		att := *in.Attachment
		next.Attachment = &att
	}
	if !in.CreatedAt.IsZero() {
		next.CreatedAt = in.CreatedAt
	}
	if next.ClientID == "" {
		next.ClientID = in.ClientID
	}
	changed := next.State != cur.State ||
		next.Content != cur.Content ||
		!next.CreatedAt.Equal(cur.CreatedAt) ||
		next.ClientID != cur.ClientID ||
		next.Attachment != cur.Attachment
	return next, changed
}

// matchProvisional returns the index of the oldest provisional message in
// list that in acknowledges, or -1.
func matchProvisional(list []model.Message, in model.Message, echoWindow time.Duration) int {
	best := -1
	for i, m := range list {
		if !m.IsProvisional() {
			continue
		}
		if !acknowledges(in, m, echoWindow) {
			continue
		}
		if best < 0 || m.Seq < list[best].Seq {
			best = i
		}
	}
	return best
}

func acknowledges(in, prov model.Message, echoWindow time.Duration) bool {
	if in.ClientID != "" {
		return in.ClientID == prov.ClientID
	}
	if in.SenderID != prov.SenderID || in.ReceiverID != prov.ReceiverID || in.Content != prov.Content {
		return false
	}
	if (in.Attachment == nil) != (prov.Attachment == nil) {
		return false
	}
	if in.Attachment != nil && in.Attachment.Name != prov.Attachment.Name {
		return false
	}
	d := in.CreatedAt.Sub(prov.CreatedAt)
	return d.Abs() <= echoWindow
}

// FilterExchange keeps the messages that belong to the conversation key as
// seen by owner: the owner/peer pair for a direct conversation, or anything
// addressed to the group. ConversationKey is set on every kept message.
func FilterExchange(msgs []model.Message, owner, key string, isGroup bool) []model.Message {
	kept := lo.Filter(msgs, func(m model.Message, _ int) bool {
		if isGroup {
			return m.ReceiverID == key || m.ConversationKey == key
		}
		return (m.SenderID == owner && m.ReceiverID == key) ||
			(m.SenderID == key && m.ReceiverID == owner)
	})
	return lo.Map(kept, func(m model.Message, _ int) model.Message {
		m.ConversationKey = key
		return m
	})
}

// ExpireSending marks provisional messages that have been Sending for longer
// than timeout as Failed. It returns the new list and the expired messages.
func ExpireSending(list []model.Message, now time.Time, timeout time.Duration) ([]model.Message, []model.Message) {
	var expired []model.Message
	out := lo.Map(list, func(m model.Message, _ int) model.Message {
		if m.State == model.Sending && m.IsProvisional() && now.Sub(m.CreatedAt) > timeout {
			m.State = model.Failed
			expired = append(expired, m)
		}
		return m
	})
	return out, expired
}

// Checkpoint returns the CreatedAt of the newest settled message, or the
// zero time when none is settled.
func Checkpoint(list []model.Message) time.Time {
	var cp time.Time
	for _, m := range list {
		if m.State.Settled() && m.CreatedAt.After(cp) {
			cp = m.CreatedAt
		}
	}
	return cp
}

// nextSeq returns the Seq for a message appended to list.
func nextSeq(list []model.Message) int64 {
	if len(list) == 0 {
		return 1
	}
	return lo.MaxBy(list, func(a, b model.Message) bool { return a.Seq > b.Seq }).Seq + 1
}
