package version

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"todosync/backend"
)

// Diff lists the changes turning set a into set b: deletions and updates in
// a's order, then creations in b's order.
func Diff(a, b []backend.Task) []Change {
	inA := backend.IndexByID(a)
	inB := backend.IndexByID(b)

	changes := []Change{}
	for _, before := range a {
		after, ok := inB[before.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Type: ChangeDelete, TodoID: before.ID, Before: clonePtr(&before)})
		case !before.Equal(after):
			changes = append(changes, Change{Type: ChangeUpdate, TodoID: before.ID, Before: clonePtr(&before), After: clonePtr(&after)})
		}
	}
	for _, after := range b {
		if _, ok := inA[after.ID]; !ok {
			changes = append(changes, Change{Type: ChangeCreate, TodoID: after.ID, After: clonePtr(&after)})
		}
	}
	return changes
}

// DescribeChange renders a change for display. Text fields of updates are
// shown as inline diffs with [-removed-] and {+added+} markers.
func DescribeChange(c Change) string {
	switch c.Type {
	case ChangeCreate:
		return fmt.Sprintf("+ %s %q", c.TodoID, summaryOf(c.After))
	case ChangeDelete:
		return fmt.Sprintf("- %s %q", c.TodoID, summaryOf(c.Before))
	}
	if c.Before == nil || c.After == nil {
		return fmt.Sprintf("~ %s", c.TodoID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "~ %s", c.TodoID)
	before, after := c.Before, c.After
	if before.Summary != after.Summary {
		fmt.Fprintf(&b, "\n    summary: %s", inlineDiff(before.Summary, after.Summary))
	}
	if before.Description != after.Description {
		fmt.Fprintf(&b, "\n    description: %s", inlineDiff(before.Description, after.Description))
	}
	if before.Status != after.Status {
		fmt.Fprintf(&b, "\n    status: %s -> %s", before.Status, after.Status)
	}
	if before.Priority != after.Priority {
		fmt.Fprintf(&b, "\n    priority: %d -> %d", before.Priority, after.Priority)
	}
	if before.Categories != after.Categories {
		fmt.Fprintf(&b, "\n    categories: %s", inlineDiff(before.Categories, after.Categories))
	}
	return b.String()
}

func inlineDiff(a, b string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(a, b, false))

	var out strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			out.WriteString("{+" + d.Text + "+}")
		case diffmatchpatch.DiffDelete:
			out.WriteString("[-" + d.Text + "-]")
		default:
			out.WriteString(d.Text)
		}
	}
	return out.String()
}

func summaryOf(t *backend.Task) string {
	if t == nil {
		return ""
	}
	return t.Summary
}
