package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/igoryan-dao/pitstop/internal/session"
)

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"**bold** and *it*", "<b>bold</b> and <i>it</i>"},
		{"a < b & c", "a &lt; b &amp; c"},
		{"session `ab_cd*x*` ok", "session <code>ab_cd*x*</code> ok"},
		{"keep snake_case_name", "keep snake_case_name"},
		{"_Reply here._", "<i>Reply here.</i>"},
		{"[site](https://x.test)", `<a href="https://x.test">site</a>`},
		{"```\n<tag>\n```", "<pre><code>&lt;tag&gt;\n</code></pre>"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ToTelegramHTML(tt.in), tt.in)
	}
}

func TestToDiscordMarkdown(t *testing.T) {
	assert.Equal(t, "**hi** there", ToDiscordMarkdown("<b>**hi**</b> there"))
	assert.Equal(t, "link <owner>", ToDiscordMarkdown("link <owner>"))
	assert.Equal(t, "see site", ToDiscordMarkdown(`see <a href="x">site</a>`))
}

func TestFailed(t *testing.T) {
	assert.Contains(t, Failed(session.ReasonTimeout, false), "too long")
	assert.Contains(t, Failed(session.ReasonCancelled, false), "cancelled")
	assert.Contains(t, Failed("bad password", true), "not caused by your input")
	assert.Contains(t, Failed(session.ReasonInternalError, false), "not caused by your input")
	assert.Equal(t, "❌ **The session failed:** bad password", Failed("bad password", false))
}

func TestPrompt(t *testing.T) {
	assert.Contains(t, Prompt("captcha", ""), "captcha")
	p := Prompt("otp", "Code sent to +1 555")
	assert.Contains(t, p, "one-time code")
	assert.Contains(t, p, "+1 555")
	assert.Contains(t, Prompt("pin", ""), "(pin)")
}

func TestReplyAck(t *testing.T) {
	assert.Contains(t, ReplyAck("delivered", "0123456789", nil), "`01234567`")
	assert.Contains(t, ReplyAck("ambiguous", "", []string{"aaaaaaaaaa", "bbbbbbbbbb"}), "`aaaaaaaa`, `bbbbbbbb`")
	assert.Contains(t, ReplyAck("no_waiter", "", nil), "No session")
}

func TestStatusLine(t *testing.T) {
	s := &session.Session{ID: "0123456789", Flow: "booking", State: session.Paused("otp")}
	assert.Equal(t, "`01234567` ✋ booking (paused(otp))", StatusLine(s))
}

func TestReport(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &session.Session{
		ID: "0123456789", Owner: "alice", Flow: "booking", State: session.Failed("timeout"),
		CreatedAt: at,
		History: []session.Transition{
			{From: session.Queued(), To: session.Running(), At: at},
			{From: session.Running(), To: session.Paused("otp"), At: at, ArtifactRef: "0123456789/aa-otp.png"},
		},
		Artifacts: []session.Artifact{{Ref: "0123456789/aa-otp.png", Kind: session.ArtifactPrompt, ContentType: "image/png"}},
	}
	r := Report(s, []session.LogEntry{{At: at, Level: session.LogWarn, Text: "no reply"}})
	assert.Contains(t, r, "# ❌ booking")
	assert.Contains(t, r, "| 10:00:00 | running | paused(otp) | 0123456789/aa-otp.png |")
	assert.Contains(t, r, "- prompt `0123456789/aa-otp.png` (image/png)")
	assert.Contains(t, r, "**warn** no reply")
	assert.NotContains(t, r, "Credentials")
}
