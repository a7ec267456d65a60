package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/wesm/github-issue-notifier/internal/models"
)

const (
	maxTitleLength   = 80
	maxLabels        = 6
	maxLabelLength   = 20
	maxStartupRepos  = 5
	maxErrorLength   = 500
	truncationSuffix = "..."
)

// FormatNewIssue renders the HTML message announcing a new issue
func FormatNewIssue(issue models.Issue) string {
	var b strings.Builder
	b.WriteString("🆕 <b>New Issue</b>\n\n")
	fmt.Fprintf(&b, "📋 <b>Title:</b> %s\n", escape(truncate(issue.Title, maxTitleLength)))
	fmt.Fprintf(&b, "👤 <b>Author:</b> @%s\n", escape(issue.Author))
	fmt.Fprintf(&b, "📦 <b>Repository:</b> <code>%s</code>\n", escape(issue.Repository))
	fmt.Fprintf(&b, "🔗 <b>Link:</b> <a href=\"%s\">#%d</a>", escape(issue.HTMLURL), issue.Number)

	if len(issue.Labels) > 0 {
		labels := issue.Labels
		if len(labels) > maxLabels {
			labels = labels[:maxLabels]
		}
		formatted := make([]string, 0, len(labels))
		for _, label := range labels {
			formatted = append(formatted, "<code>"+escape(truncate(label, maxLabelLength))+"</code>")
		}
		fmt.Fprintf(&b, "\n🏷️ <b>Labels:</b> %s", strings.Join(formatted, ", "))
	}

	return b.String()
}

// FormatStartup renders the message sent once the monitor is running
func FormatStartup(repositories []string, interval time.Duration, tracked int) string {
	var b strings.Builder
	b.WriteString("🚀 <b>Issue Tracker Started!</b>\n\n")
	fmt.Fprintf(&b, "⏰ <b>Check Interval:</b> %s\n", formatInterval(interval))
	fmt.Fprintf(&b, "🗂️ <b>Tracked Issues:</b> %d\n", tracked)
	fmt.Fprintf(&b, "📦 <b>Monitoring %d repositories:</b>\n\n", len(repositories))

	shown := repositories
	if len(shown) > maxStartupRepos {
		shown = shown[:maxStartupRepos]
	}
	for _, repo := range shown {
		fmt.Fprintf(&b, "• <code>%s</code>\n", escape(repo))
	}
	if extra := len(repositories) - len(shown); extra > 0 {
		fmt.Fprintf(&b, "• ... and %d more\n", extra)
	}

	b.WriteString("\nBot is now monitoring for new issues! 🎯")
	return b.String()
}

// FormatError renders an error report. where names the operation that failed.
func FormatError(where, message string) string {
	var b strings.Builder
	b.WriteString("⚠️ <b>Bot Error</b>\n\n")
	if where != "" {
		fmt.Fprintf(&b, "<b>Context:</b> %s\n", escape(where))
	}
	fmt.Fprintf(&b, "<b>Error:</b> <code>%s</code>", escape(truncate(message, maxErrorLength)))
	return b.String()
}

// FormatTest renders the message sent by a manual delivery check
func FormatTest() string {
	return "🧪 <b>Test Notification</b>\n\nThe issue notifier can deliver messages to this chat."
}

func formatInterval(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		minutes := int(d / time.Minute)
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	return d.String()
}

func escape(s string) string {
	return html.EscapeString(s)
}

// truncate shortens s to at most max runes, ending with "..." when cut
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-len(truncationSuffix)]) + truncationSuffix
}
