package bot

import (
	"fmt"
	"html"
	"strings"

	"game-download-coordinator/models"
)

// TaskChanged queues a notice when an in-flight task finishes or fails.
// It runs under the engine lock and never blocks.
func (tb *TelegramBot) TaskChanged(task models.Task, previous models.TaskState) {
	if previous == "" || !previous.InFlight() {
		return
	}
	switch task.State {
	case models.StateFinished:
		tb.broadcast(formatCompletionMessage(task))
	case models.StateErroring:
		tb.broadcast(formatFailureMessage(task))
	}
}

func (tb *TelegramBot) TaskRemoved(models.Task) {}

func formatCompletionMessage(task models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ <b>Game %d %s</b>\n\n", task.GameID, completedVerb(task))
	if task.TotalSize > 0 {
		fmt.Fprintf(&b, "📦 Size: %s\n", models.FormatBytes(task.TotalSize))
	}
	if task.StartedAt != nil && task.FinishedAt != nil {
		fmt.Fprintf(&b, "⏱ Took: %s\n", models.FormatETA(task.FinishedAt.Sub(*task.StartedAt)))
	}
	fmt.Fprintf(&b, "🆔 Task: <code>%s</code>", shortID(task.ID))
	return b.String()
}

func formatFailureMessage(task models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ <b>Game %d: %s failed</b>\n\n", task.GameID, task.Kind)
	if task.Error != "" {
		fmt.Fprintf(&b, "⚠️ Error: %s\n", html.EscapeString(task.Error))
	}
	if task.ErrorCategory != "" {
		fmt.Fprintf(&b, "🏷 Category: %s\n", task.ErrorCategory)
	}
	fmt.Fprintf(&b, "\nSend /retry %d to try again.", task.GameID)
	return b.String()
}

// completedVerb names what a finished task achieved: a download reports the
// reason it ran for, other kinds their own result.
func completedVerb(task models.Task) string {
	switch task.Kind {
	case models.KindDownload:
		return "downloaded for " + task.Reason.Verb()
	case models.KindInstall:
		return task.Reason.Outcome()
	case models.KindUninstall:
		return "uninstalled"
	case models.KindLaunch:
		return "launched"
	}
	return string(task.State)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
