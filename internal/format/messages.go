package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/igoryan-dao/pitstop/internal/session"
)

// Prompt is the text sent with a request for human input.
func Prompt(inputKind, message string) string {
	var b strings.Builder
	switch inputKind {
	case "captcha":
		b.WriteString("🧩 **Please solve the captcha below.**")
	case "otp":
		b.WriteString("🔐 **Please send the one-time code you just received.**")
	default:
		fmt.Fprintf(&b, "✋ **Input needed (%s).**", inputKind)
	}
	if message != "" {
		b.WriteString("\n")
		b.WriteString(message)
	}
	b.WriteString("\n_Reply to this message with your answer._")
	return b.String()
}

// Succeeded is the text sent when a session completes.
func Succeeded(message string) string {
	if message == "" {
		return "✅ **Done.** The session completed successfully."
	}
	return "✅ **Done.** " + message
}

// Failed is the text sent when a session ends in failure. systemFault marks
// failures caused by the service rather than by the flow or the human.
func Failed(reason string, systemFault bool) string {
	switch {
	case reason == session.ReasonTimeout:
		return "⌛ You took too long to respond. The session has timed out."
	case reason == session.ReasonCancelled:
		return "🛑 The session was cancelled."
	case systemFault || reason == session.ReasonInternalError:
		return "⚠️ A critical system error occurred and the session was stopped. This was not caused by your input."
	default:
		return "❌ **The session failed:** " + reason
	}
}

// Restarted is sent when a paused session survives a restart and its prompt is
// shown again.
func Restarted(inputKind string) string {
	return fmt.Sprintf("🔄 The service restarted. Your %s answer was not received, please send it again.", inputKind)
}

// ReplyAck is what a transport says back after routing a reply.
func ReplyAck(status, sessionID string, candidates []string) string {
	switch status {
	case "delivered":
		return "👍 Got it, resuming session `" + short(sessionID) + "`."
	case "buffered":
		return "📥 Saved your answer for session `" + short(sessionID) + "`, it will be used when the session asks for it."
	case "ambiguous":
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = "`" + short(c) + "`"
		}
		return "❓ Several sessions are waiting for you: " + strings.Join(ids, ", ") + ". Reply directly to the prompt you are answering."
	case "no_waiter":
		return "🤷 No session is waiting for input right now."
	default:
		return "⚠️ Your reply could not be delivered."
	}
}

// StatusLine renders a one-line session summary.
func StatusLine(s *session.Session) string {
	return fmt.Sprintf("`%s` %s %s (%s)", short(s.ID), stateIcon(s.State), s.Flow, s.State)
}

func stateIcon(st session.State) string {
	switch st.Kind {
	case session.KindQueued:
		return "⏳"
	case session.KindRunning:
		return "⚙️"
	case session.KindPaused:
		return "✋"
	case session.KindSucceeded:
		return "✅"
	default:
		return "❌"
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Report renders a session and its log as a markdown document.
func Report(s *session.Session, logs []session.LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s\n\n", stateIcon(s.State), s.Flow)
	fmt.Fprintf(&b, "- **Session:** `%s`\n", s.ID)
	fmt.Fprintf(&b, "- **Owner:** %s\n", s.Owner)
	fmt.Fprintf(&b, "- **State:** %s\n", s.State)
	if s.CredentialsRef != "" {
		fmt.Fprintf(&b, "- **Credentials:** `%s`\n", s.CredentialsRef)
	}
	fmt.Fprintf(&b, "- **Created:** %s\n", s.CreatedAt.Format(time.RFC3339))

	if len(s.History) > 0 {
		b.WriteString("\n## History\n\n| at | from | to | artifact |\n|---|---|---|---|\n")
		for _, t := range s.History {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", t.At.Format(time.TimeOnly), t.From, t.To, t.ArtifactRef)
		}
	}
	if len(s.Artifacts) > 0 {
		b.WriteString("\n## Artifacts\n\n")
		for _, a := range s.Artifacts {
			fmt.Fprintf(&b, "- %s `%s` (%s)\n", a.Kind, a.Ref, a.ContentType)
		}
	}
	if len(logs) > 0 {
		b.WriteString("\n## Log\n\n")
		for _, l := range logs {
			fmt.Fprintf(&b, "- `%s` **%s** %s\n", l.At.Format(time.TimeOnly), l.Level, l.Text)
		}
	}
	return b.String()
}
