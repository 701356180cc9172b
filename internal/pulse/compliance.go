package pulse

import (
	"time"

	"github.com/cachebash/backend/internal/core"
)

// Boot checklist items a session must acknowledge to become compliant.
var bootChecklistItems = []string{"identity", "journal", "protocol"}

// journalStaleAfter is how long a compliant session may go without
// journaling before it is warned, and then degraded at twice that.
const journalStaleAfter = 30 * time.Minute

// newCompliance starts the per-session compliance machine.
func newCompliance(now time.Time) *core.ComplianceBlock {
	checklist := make(map[string]bool, len(bootChecklistItems))
	for _, item := range bootChecklistItems {
		checklist[item] = false
	}
	block := &core.ComplianceBlock{
		State:         core.ComplianceUnregistered,
		BootChecklist: checklist,
	}
	recordComplianceTransition(block, core.ComplianceBooting, "session created", now)
	return block
}

// recordComplianceTransition moves the machine and appends to history.
func recordComplianceTransition(block *core.ComplianceBlock, to core.ComplianceState, reason string, now time.Time) {
	if block.State == to {
		return
	}
	block.History = append(block.History, core.ComplianceTransition{
		From:   block.State,
		To:     to,
		Reason: reason,
		At:     now,
	})
	block.State = to
}

// applyBootItem checks off one checklist item; completing the list promotes
// BOOTING -> COMPLIANT.
func applyBootItem(block *core.ComplianceBlock, item string, now time.Time) {
	if block.BootChecklist == nil {
		block.BootChecklist = map[string]bool{}
	}
	block.BootChecklist[item] = true

	if block.State != core.ComplianceBooting {
		return
	}
	for _, required := range bootChecklistItems {
		if !block.BootChecklist[required] {
			return
		}
	}
	recordComplianceTransition(block, core.ComplianceCompliant, "boot checklist complete", now)
}

// applyJournal records a journal entry and recovers warned/degraded
// sessions.
func applyJournal(block *core.ComplianceBlock, now time.Time) {
	block.JournalEntries++
	t := now
	block.LastJournalAt = &t

	switch block.State {
	case core.ComplianceWarned, core.ComplianceDegraded:
		recordComplianceTransition(block, core.ComplianceCompliant, "journaling resumed", now)
	}
}

// reviewJournaling demotes compliant sessions with stale journals:
// COMPLIANT -> WARNED past one threshold, WARNED -> DEGRADED past two.
func reviewJournaling(block *core.ComplianceBlock, now time.Time) {
	if block.LastJournalAt == nil {
		return
	}
	age := now.Sub(*block.LastJournalAt)

	switch block.State {
	case core.ComplianceCompliant:
		if age > journalStaleAfter {
			recordComplianceTransition(block, core.ComplianceWarned, "journal stale", now)
		}
	case core.ComplianceWarned:
		if age > 2*journalStaleAfter {
			recordComplianceTransition(block, core.ComplianceDegraded, "journal stale", now)
		}
	}
}
