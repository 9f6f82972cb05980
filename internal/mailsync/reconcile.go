package mailsync

import (
	"context"
	"slices"
	"sort"

	"github.com/nugget/mailsync/internal/labels"
	"github.com/nugget/mailsync/internal/mailbox"
	"github.com/nugget/mailsync/internal/session"
)

// DesiredTags computes a thread's tag set from the server state of its
// root message: the mailbox's tag, seen when \Seen is set, and a tag
// for every label. Blank and reserved names are dropped; the result is
// sorted and free of duplicates.
func DesiredTags(mapper labels.Mapper, mailboxName string, d session.Descriptor) []string {
	var tags []string
	if tag, ok := mapper.ToTag(mailboxName); ok {
		tags = append(tags, tag)
	}
	for _, f := range d.Flags {
		if tag, ok := labels.FlagToTag(f); ok {
			tags = append(tags, tag)
		}
	}
	for _, l := range d.Labels {
		if tag, ok := mapper.ToTag(l); ok {
			tags = append(tags, tag)
		}
	}
	return sortedSet(tags)
}

// DesiredArchived reports whether the server considers a message
// archived. With labels, that is the absence of \Inbox. Without them
// the only signal is where the message lives.
func DesiredArchived(variant session.Variant, mailboxName string, d session.Descriptor) bool {
	if variant.GmailLabels {
		return !d.HasLabel(labels.InboxLabel)
	}
	return !mailbox.IsInbox(mailboxName)
}

// reconcile replaces the thread's tags and archive state with what the
// server reports for its root message. Stores are only written when
// something differs.
func (e *Engine) reconcile(ctx context.Context, p *pass, msg mailbox.Message, d session.Descriptor) error {
	want := DesiredTags(e.mapper, p.name, d)
	have, err := e.threads.Tags(ctx, msg.ThreadID)
	if err != nil {
		return err
	}
	if !slices.Equal(want, sortedSet(have)) {
		if err := e.threads.SetTags(ctx, msg.ThreadID, want); err != nil {
			return err
		}
		p.logger.Debug("thread tags updated",
			"thread_id", msg.ThreadID,
			"uid", d.UID,
			"tags", want,
		)
	}

	wantArchived := DesiredArchived(p.variant, p.name, d)
	archived, err := e.threads.IsArchived(ctx, msg.ThreadID)
	if err != nil {
		return err
	}
	switch {
	case wantArchived && !archived:
		return e.threads.Archive(ctx, msg.ThreadID)
	case !wantArchived && archived:
		return e.threads.MoveToInbox(ctx, msg.ThreadID)
	}
	return nil
}

func sortedSet(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
