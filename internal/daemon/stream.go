package daemon

import (
	"encoding/json"
	"fmt"
	"strings"
)

var textKeys = map[string]bool{"text": true, "content": true, "delta": true, "output_text": true}

// renderStreamLine turns one raw stream-JSON line from the LLM child into
// the text that should be echoed to the daemon's own stdout, plus whether
// the line (or its extracted text) carries a compaction marker. Grounded
// on original_source/daemon/runner/_stream.py::_render_stream_line.
func (d *Daemon) renderStreamLine(line string) (rendered string, compaction bool) {
	raw := strings.TrimRight(line, "\n")
	if strings.TrimSpace(raw) == "" {
		return "", false
	}

	compaction = d.Contracts.ContainsCompactionMarker(raw)

	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return raw + "\n", compaction
	}

	fragments := extractTextFragments(payload)
	rendered = strings.Join(fragments, "")

	if rendered == "" {
		if obj, ok := payload.(map[string]any); ok {
			if evt, _ := obj["type"].(string); evt == "error" || evt == "warning" {
				msg, _ := obj["message"].(string)
				rendered = fmt.Sprintf("[%s] %s\n", evt, msg)
			}
		}
	}

	if d.Contracts.ContainsCompactionMarker(rendered) {
		compaction = true
	}
	if obj, ok := payload.(map[string]any); ok {
		if b, err := json.Marshal(obj); err == nil && d.Contracts.ContainsCompactionMarker(string(b)) {
			compaction = true
		}
	}

	return rendered, compaction
}

// extractTextFragments recursively walks a decoded stream-JSON payload,
// collecting every string value found under a text/content/delta/
// output_text key. Array elements are visited in order; the keys of one
// object are visited in Go map iteration order, not document order.
func extractTextFragments(node any) []string {
	var out []string
	var walk func(any)
	walk = func(n any) {
		switch v := n.(type) {
		case map[string]any:
			for key, value := range v {
				if textKeys[key] {
					if s, ok := value.(string); ok {
						out = append(out, s)
						continue
					}
				}
				walk(value)
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		}
	}
	walk(node)
	return out
}
