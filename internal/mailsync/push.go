package mailsync

import (
	"context"
	"sort"
	"strings"

	"github.com/nugget/mailsync/internal/events"
	"github.com/nugget/mailsync/internal/labels"
	"github.com/nugget/mailsync/internal/mailbox"
	"github.com/nugget/mailsync/internal/session"
)

// Diff is a set change: values to add and values to remove.
type Diff struct {
	Add    []string
	Remove []string
}

// Empty reports whether the diff changes nothing.
func (d Diff) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// diffSets returns desired minus current as Add and current minus
// desired as Remove, both sorted.
func diffSets(desired, current []string) Diff {
	want := make(map[string]bool, len(desired))
	for _, v := range desired {
		want[v] = true
	}
	have := make(map[string]bool, len(current))
	for _, v := range current {
		have[v] = true
	}

	var d Diff
	for v := range want {
		if !have[v] {
			d.Add = append(d.Add, v)
		}
	}
	for v := range have {
		if !want[v] {
			d.Remove = append(d.Remove, v)
		}
	}
	sort.Strings(d.Add)
	sort.Strings(d.Remove)
	return d
}

// PushPlan is what a reverse push writes for one message.
type PushPlan struct {
	Flags  Diff
	Labels Diff
}

// Commands returns the number of STORE commands the plan needs.
func (p PushPlan) Commands() int {
	n := 0
	for _, vals := range [][]string{p.Flags.Add, p.Flags.Remove, p.Labels.Add, p.Labels.Remove} {
		if len(vals) > 0 {
			n++
		}
	}
	return n
}

// PlanPush computes the flags and labels to change so the server
// matches a thread's local tags and archive state.
//
// Only the managed domain is compared: \Seen for flags, and the
// session's mapped labels plus \Inbox for labels. Anything else on the
// server is neither added nor removed. Labels are planned only when
// the server supports them.
func PlanPush(variant session.Variant, m *labels.Map, tags []string, archived bool, d session.Descriptor) PushPlan {
	var plan PushPlan

	var wantFlags []string
	for _, tag := range tags {
		if f, ok := labels.TagToFlag(tag); ok {
			wantFlags = append(wantFlags, f)
		}
	}
	var haveFlags []string
	for _, f := range d.Flags {
		if strings.EqualFold(f, labels.SeenFlag) {
			haveFlags = append(haveFlags, labels.SeenFlag)
		}
	}
	plan.Flags = diffSets(sortedSet(wantFlags), sortedSet(haveFlags))

	if !variant.GmailLabels {
		return plan
	}

	domain := append(m.Labels(), labels.InboxLabel)

	var wantLabels []string
	for _, tag := range tags {
		if l, ok := m.TagToLabel(tag); ok {
			wantLabels = append(wantLabels, l)
		}
	}
	if !archived {
		wantLabels = append(wantLabels, labels.InboxLabel)
	}

	var haveLabels []string
	for _, l := range d.Labels {
		if canon, ok := inDomain(domain, l); ok {
			haveLabels = append(haveLabels, canon)
		}
	}
	plan.Labels = diffSets(sortedSet(wantLabels), sortedSet(haveLabels))
	return plan
}

// inDomain returns the domain's spelling of label. System labels such
// as \Inbox match case-insensitively.
func inDomain(domain []string, label string) (string, bool) {
	for _, d := range domain {
		if d == label || (strings.HasPrefix(d, `\`) && strings.EqualFold(d, label)) {
			return d, true
		}
	}
	return "", false
}

// pushPending writes local edits for this mailbox back to the server
// and clears their needs_sync flag. An edit made while its message was
// being pushed keeps the flag set and goes out on the next pass.
func (e *Engine) pushPending(ctx context.Context, p *pass) error {
	pending, err := e.threads.PendingOutbound(ctx, e.account, p.name, p.validity)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	uids := make([]uint32, len(pending))
	for i, msg := range pending {
		uids[i] = msg.Key.UID
	}
	descs, err := p.sess.Fetch(ctx, uids, session.Fields{})
	if err != nil {
		return err
	}
	byUID := make(map[uint32]session.Descriptor, len(descs))
	for _, d := range descs {
		byUID[d.UID] = d
	}

	for _, msg := range pending {
		d, ok := byUID[msg.Key.UID]
		if !ok {
			p.logger.Warn("locally edited message is gone from the server, dropping edit",
				"uid", msg.Key.UID,
				"thread_id", msg.ThreadID,
			)
			if _, err := e.threads.ClearOutbound(ctx, msg.ID, msg.SyncGen); err != nil {
				return err
			}
			continue
		}

		n, err := e.push(ctx, p, msg, d)
		if err != nil {
			return err
		}
		cleared, err := e.threads.ClearOutbound(ctx, msg.ID, msg.SyncGen)
		if err != nil {
			return err
		}
		if !cleared {
			p.logger.Debug("thread edited during push, leaving it pending",
				"uid", d.UID,
				"thread_id", msg.ThreadID,
			)
		}
		p.res.Pushed++
		p.res.StoreCommands += n
		if n > 0 {
			e.emit(events.KindPushed, p, map[string]any{
				"uid":      d.UID,
				"commands": n,
			})
		}
	}
	return nil
}

func (e *Engine) push(ctx context.Context, p *pass, msg mailbox.Message, d session.Descriptor) (int, error) {
	tags, err := e.threads.Tags(ctx, msg.ThreadID)
	if err != nil {
		return 0, err
	}
	archived, err := e.threads.IsArchived(ctx, msg.ThreadID)
	if err != nil {
		return 0, err
	}

	plan := PlanPush(p.variant, p.sess.Labels(), tags, archived, d)
	steps := []struct {
		item   session.Item
		op     session.Op
		values []string
	}{
		{session.ItemFlags, session.OpAdd, plan.Flags.Add},
		{session.ItemFlags, session.OpRemove, plan.Flags.Remove},
		{session.ItemLabels, session.OpAdd, plan.Labels.Add},
		{session.ItemLabels, session.OpRemove, plan.Labels.Remove},
	}

	n := 0
	for _, s := range steps {
		if len(s.values) == 0 {
			continue
		}
		if err := p.sess.Store(ctx, d.UID, s.item, s.op, s.values); err != nil {
			return n, err
		}
		n++
	}

	if n > 0 {
		p.logger.Debug("local edits pushed",
			"uid", d.UID,
			"thread_id", msg.ThreadID,
			"flags_add", plan.Flags.Add,
			"flags_remove", plan.Flags.Remove,
			"labels_add", plan.Labels.Add,
			"labels_remove", plan.Labels.Remove,
		)
	}
	return n, nil
}
