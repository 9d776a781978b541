package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"convsync/internal/domain"
	"convsync/internal/usecase"
)

// formatMessage renders one message line. Status is shown on my own messages
// only.
func formatMessage(m domain.Message, me string) string {
	var b strings.Builder
	who := "them"
	if m.SenderID == me {
		who = "me"
	}
	fmt.Fprintf(&b, "[%s] %s: %s", time.UnixMilli(m.CreatedAt).Format("15:04:05"), who, m.Text)
	if m.Edited {
		b.WriteString(" (edited)")
	}
	if m.StarredByMe {
		b.WriteString(" *")
	}
	if len(m.Reactions) > 0 {
		emojis := make([]string, 0, len(m.Reactions))
		for e, ids := range m.Reactions {
			emojis = append(emojis, fmt.Sprintf("%s%d", e, len(ids)))
		}
		sort.Strings(emojis)
		fmt.Fprintf(&b, " %s", strings.Join(emojis, " "))
	}
	if who == "me" {
		fmt.Fprintf(&b, " [%s]", strings.ToLower(string(m.Status(m.RecipientID))))
	}
	fmt.Fprintf(&b, "  #%s", m.ID)
	return b.String()
}

// renderer prints what changed between successive views.
type renderer struct {
	out io.Writer
	me  string

	mu      sync.Mutex
	printed map[string]string
	typing  bool
	state   usecase.SessionState
	pending map[string]int
	failed  map[string]bool
	atStart bool
}

func newRenderer(out io.Writer, me string) *renderer {
	return &renderer{
		out:     out,
		me:      me,
		printed: map[string]string{},
		pending: map[string]int{},
		failed:  map[string]bool{},
	}
}

func (r *renderer) render(v usecase.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.State != r.state {
		r.state = v.State
		fmt.Fprintf(r.out, "-- %s %s --\n", v.State, v.ConversationID)
	}
	if v.ReachedStart && !r.atStart {
		r.atStart = true
		fmt.Fprintln(r.out, "-- start of conversation --")
	}
	for _, m := range v.Messages {
		line := formatMessage(m, r.me)
		if r.printed[m.ID] == line {
			continue
		}
		r.printed[m.ID] = line
		fmt.Fprintln(r.out, line)
	}

	seen := map[string]bool{}
	for _, p := range v.Pending {
		seen[p.LocalID] = true
		if r.pending[p.LocalID] != p.RemainingSeconds {
			r.pending[p.LocalID] = p.RemainingSeconds
			fmt.Fprintf(r.out, "   sending %q in %ds (/cancel %s)\n", p.Text, p.RemainingSeconds, p.LocalID)
		}
	}
	for id := range r.pending {
		if !seen[id] {
			delete(r.pending, id)
		}
	}
	for _, f := range v.Failed {
		if !r.failed[f.LocalID] {
			r.failed[f.LocalID] = true
			fmt.Fprintf(r.out, "   failed %q: %s (/retry %s)\n", f.Text, f.Reason, f.LocalID)
		}
	}

	if v.OtherTyping != r.typing {
		r.typing = v.OtherTyping
		if r.typing {
			fmt.Fprintln(r.out, "   them is typing...")
		}
	}
}

func (r *renderer) sendResult(res usecase.SendResult) {
	if res.OK {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "   not sent: %s\n", res.Message)
}

func (r *renderer) notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "   "+format+"\n", args...)
}
