package notifier

import (
	"fmt"
	"strings"
	"time"

	"agentcron/internal/task/record"
)

const maxAlertRunes = 600

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

func failureAlert(rec record.ExecutionRecord) Notification {
	kind := record.KindAgentInvocation
	msg := ""
	if rec.Error != nil {
		kind, msg = rec.Error.Kind, rec.Error.Message
	}
	var b strings.Builder
	fmt.Fprintf(&b, "job %s failed (%s)\n", rec.JobName, kind)
	fmt.Fprintf(&b, "agent: %s, trigger: %s\n", rec.AgentID, rec.Trigger)
	if d := rec.Duration(); d > 0 {
		fmt.Fprintf(&b, "took: %s\n", d.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "invocation: %s", rec.InvocationID)
	if msg != "" {
		b.WriteString("\n\n")
		b.WriteString(record.Truncate(msg, maxAlertRunes))
	}
	prio := 7
	if kind == record.KindPanic || kind == record.KindCancelled {
		prio = 9
	}
	return Notification{Priority: prio, Text: b.String(), DedupKey: "failed:" + rec.JobName + ":" + string(kind)}
}

func misfireAlert(m record.Misfire) Notification {
	return Notification{
		Priority: 5,
		Text:     fmt.Sprintf("job %s skipped a %s firing: invocation %s still running", m.JobName, m.Trigger, m.BlockingInvocationID),
		DedupKey: "misfire:" + m.JobName,
	}
}
