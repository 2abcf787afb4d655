package daemon

// RollingBuffer keeps the tail of recent stream output, bounded by a
// character budget (maxTokens * 4, matching the original's rough
// char-per-token ratio), for re-injection into the next prompt after a
// compaction marker is detected. Grounded on
// original_source/daemon/buffer.py::RollingBuffer.
type RollingBuffer struct {
	maxChars   int
	chunks     []string
	totalChars int
}

// NewRollingBuffer returns a buffer capped at maxTokens*4 characters.
func NewRollingBuffer(maxTokens int) *RollingBuffer {
	return &RollingBuffer{maxChars: maxTokens * 4}
}

// Append adds text to the buffer, evicting from the front until the
// buffer is back under budget.
func (b *RollingBuffer) Append(text string) {
	if text == "" {
		return
	}
	b.chunks = append(b.chunks, text)
	b.totalChars += len(text)
	for b.totalChars > b.maxChars && len(b.chunks) > 0 {
		removed := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.totalChars -= len(removed)
	}
}

// Snapshot concatenates the buffer's current contents in order.
func (b *RollingBuffer) Snapshot() string {
	total := 0
	for _, c := range b.chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return string(out)
}

// Len returns the buffer's current character count.
func (b *RollingBuffer) Len() int { return b.totalChars }
