// Package prompt handles line-based interactive prompts with no-prompt mode
// support: manual conflict resolution when no terminal UI is available, task
// selection and interactive task entry.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"todosync/backend"
	"todosync/internal/conflict"
	"todosync/internal/utils"
)

// Sentinel errors for prompt operations.
var (
	ErrSelectionCancelled = errors.New("selection cancelled")
	ErrNoPromptMode       = errors.New("interactive prompts disabled (--no-prompt / -y)")
	ErrNoTasks            = errors.New("no tasks available")
	ErrNoMatches          = errors.New("no tasks match the filter")
)

// ConflictPrompt asks on a line terminal which version of a conflicting
// task to keep. Its Resolve method is a conflict.Callback.
type ConflictPrompt struct {
	Reader   io.Reader
	Writer   io.Writer
	NoPrompt bool

	mu      sync.Mutex
	scanner *bufio.Scanner
}

// Resolve shows both versions and reads l (local), r (remote) or q (abort).
// Aborting fails the sync cycle without changing anything.
func (p *ConflictPrompt) Resolve(ctx context.Context, c conflict.Conflict) (backend.Task, error) {
	if p.NoPrompt {
		return backend.Task{}, ErrNoPromptMode
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.Reader)
	}
	writer := p.Writer
	if writer == nil {
		writer = io.Discard
	}

	peer := c.PeerDevice.Name
	if peer == "" {
		peer = c.PeerDevice.ID
	}
	_, _ = fmt.Fprintf(writer, "Conflict on task %s (also edited on %s)\n", c.ItemID, peer)
	_, _ = fmt.Fprintf(writer, "  l) local:  %s\n", formatTaskLine(c.Local))
	_, _ = fmt.Fprintf(writer, "  r) remote: %s\n", formatTaskLine(c.Remote))

	for {
		if err := ctx.Err(); err != nil {
			return backend.Task{}, err
		}
		_, _ = fmt.Fprint(writer, "Keep [l]ocal, [r]emote or [q]uit sync: ")
		if !p.scanner.Scan() {
			return backend.Task{}, ErrSelectionCancelled
		}
		switch strings.ToLower(strings.TrimSpace(p.scanner.Text())) {
		case "l", "local":
			return c.Local, nil
		case "r", "remote":
			return c.Remote, nil
		case "q", "quit":
			return backend.Task{}, ErrSelectionCancelled
		}
		_, _ = fmt.Fprintln(writer, "Please answer l, r or q.")
	}
}

// Confirm asks a yes/no question. NoPrompt answers yes.
func Confirm(r io.Reader, w io.Writer, noPrompt bool, question string) (bool, error) {
	if noPrompt {
		return true, nil
	}
	if w == nil {
		w = io.Discard
	}
	_, _ = fmt.Fprintf(w, "%s [y/N]: ", question)
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return false, ErrSelectionCancelled
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes", nil
}

// TaskSelector picks a task by filtering on its summary, then by number.
type TaskSelector struct {
	Tasks    []backend.Task
	Prompt   string
	Reader   io.Reader
	Writer   io.Writer
	NoPrompt bool
}

// Run executes the task selection prompt.
// If NoPrompt is true, returns ErrNoPromptMode.
// If there is exactly one task, auto-selects it.
func (s *TaskSelector) Run() (*backend.Task, error) {
	if s.NoPrompt {
		return nil, ErrNoPromptMode
	}
	if len(s.Tasks) == 0 {
		return nil, ErrNoTasks
	}
	if len(s.Tasks) == 1 {
		return &s.Tasks[0], nil
	}

	writer := s.Writer
	if writer == nil {
		writer = io.Discard
	}
	scanner := bufio.NewScanner(s.Reader)

	_, _ = fmt.Fprintf(writer, "%s\nFilter (or press Enter to show all): ", s.Prompt)
	if !scanner.Scan() {
		return nil, ErrSelectionCancelled
	}
	filtered := filterBySummary(s.Tasks, strings.TrimSpace(scanner.Text()))

	if len(filtered) == 0 {
		return nil, ErrNoMatches
	}
	if len(filtered) == 1 {
		_, _ = fmt.Fprintf(writer, "Auto-selected: %s\n", filtered[0].Summary)
		return &filtered[0], nil
	}

	for i, t := range filtered {
		_, _ = fmt.Fprintf(writer, "  %d) %s\n", i+1, formatTaskLine(t))
	}
	_, _ = fmt.Fprintf(writer, "Select (0 to cancel): ")
	if !scanner.Scan() {
		return nil, ErrSelectionCancelled
	}

	input := strings.TrimSpace(scanner.Text())
	num, err := strconv.Atoi(input)
	if err != nil {
		return nil, fmt.Errorf("invalid selection: %s", input)
	}
	if num == 0 {
		return nil, ErrSelectionCancelled
	}
	if num < 1 || num > len(filtered) {
		return nil, fmt.Errorf("selection out of range: %d", num)
	}
	return &filtered[num-1], nil
}

func filterBySummary(tasks []backend.Task, filter string) []backend.Task {
	if filter == "" {
		return tasks
	}
	filterLower := strings.ToLower(filter)
	var filtered []backend.Task
	for _, t := range tasks {
		if strings.Contains(strings.ToLower(t.Summary), filterLower) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// formatTaskLine formats a task for display with its status, priority,
// due date, tags and last editor.
func formatTaskLine(t backend.Task) string {
	meta := []string{string(t.Status)}
	if t.Priority > 0 {
		meta = append(meta, fmt.Sprintf("P%d", t.Priority))
	}
	if t.DueDate != nil {
		meta = append(meta, fmt.Sprintf("due: %s", t.DueDate.Format("2006-01-02")))
	}
	if t.Categories != "" {
		meta = append(meta, fmt.Sprintf("tags: %s", t.Categories))
	}
	if !t.Modified.IsZero() {
		meta = append(meta, fmt.Sprintf("updated: %s", t.Modified.Local().Format("2006-01-02 15:04")))
	}
	if t.DeviceID != "" {
		meta = append(meta, fmt.Sprintf("by: %s", t.DeviceID))
	}
	return fmt.Sprintf("%s [%s]", t.Summary, strings.Join(meta, ", "))
}

// AddFields holds the field values collected during interactive add mode.
type AddFields struct {
	Summary     string
	Description string
	Priority    int
	DueDate     string
	Tags        string
}

// InteractiveAdder prompts for the fields of a new task when no summary
// was given on the command line.
type InteractiveAdder struct {
	Reader   io.Reader
	Writer   io.Writer
	NoPrompt bool
}

// Run prompts for summary (required), description, priority (0-9), due
// date and tags, re-asking on invalid input.
func (a *InteractiveAdder) Run() (*AddFields, error) {
	if a.NoPrompt {
		return nil, ErrNoPromptMode
	}

	writer := a.Writer
	if writer == nil {
		writer = io.Discard
	}
	scanner := bufio.NewScanner(a.Reader)
	fields := &AddFields{}

	for {
		_, _ = fmt.Fprint(writer, "Summary (required): ")
		if !scanner.Scan() {
			return nil, errors.New("no input for summary")
		}
		fields.Summary = strings.TrimSpace(scanner.Text())
		if fields.Summary != "" {
			break
		}
		_, _ = fmt.Fprintln(writer, "Summary cannot be empty.")
	}

	_, _ = fmt.Fprint(writer, "Description (optional): ")
	if scanner.Scan() {
		fields.Description = strings.TrimSpace(scanner.Text())
	}

	for {
		_, _ = fmt.Fprint(writer, "Priority (0-9, optional): ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			break
		}
		p, err := strconv.Atoi(input)
		if err != nil || utils.ValidatePriority(p) != nil {
			_, _ = fmt.Fprintln(writer, "Invalid priority: must be a number 0-9")
			continue
		}
		fields.Priority = p
		break
	}

	for {
		_, _ = fmt.Fprint(writer, "Due date (YYYY-MM-DD, +Nd, optional): ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			break
		}
		if _, err := utils.ParseDateFlag(input); err != nil {
			_, _ = fmt.Fprintf(writer, "Invalid date: %s. Use YYYY-MM-DD, +Nd, +Nw, +Nm\n", input)
			continue
		}
		fields.DueDate = input
		break
	}

	_, _ = fmt.Fprint(writer, "Tags (comma-separated, optional): ")
	if scanner.Scan() {
		fields.Tags = strings.TrimSpace(scanner.Text())
	}

	return fields, nil
}
