package sync

import "time"

// Kind selects the edit descriptor carried by an Operation.
type Kind int

const (
	// Replace swaps the whole document content, the coarse-grained model
	// the editor UI sends on every keystroke.
	Replace Kind = iota

	// Insert adds Text at a byte Position.
	Insert

	// Delete removes Length bytes starting at Position.
	Delete
)

// Operation is one proposed edit against a document, carrying the version
// the author based it on. The sequencer decides how it lands.
type Operation struct {
	RoomID      string
	FileID      string
	BaseVersion uint64
	Kind        Kind

	// Replace payload.
	Content string

	// Insert/Delete payload.
	Position int
	Text     string
	Length   int

	// Origin is the session that authored the edit.
	Origin     string
	ClientTime time.Time
}

// Result is the authoritative post-apply state of a document.
type Result struct {
	Version uint64
	Content string

	// Rebased reports that the operation arrived with a stale base and was
	// re-based onto intervening edits.
	Rebased bool

	// Degraded reports that rebasing could not preserve the author's edit
	// precisely (base content evicted from history, or no patch hunk
	// applied) and the engine fell back to last-applied-wins.
	Degraded bool
}

// applyDescriptor applies the operation's edit to the given content,
// clamping positional edits to the content bounds.
func applyDescriptor(op *Operation, content string) string {
	switch op.Kind {
	case Replace:
		return op.Content
	case Insert:
		pos := clamp(op.Position, len(content))
		return content[:pos] + op.Text + content[pos:]
	case Delete:
		pos := clamp(op.Position, len(content))
		end := pos + op.Length
		if end > len(content) || end < pos {
			end = len(content)
		}
		return content[:pos] + content[end:]
	}
	return content
}

func clamp(pos, max int) int {
	if pos < 0 {
		return 0
	}
	if pos > max {
		return max
	}
	return pos
}
