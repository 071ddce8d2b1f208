package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatCEF   = "cef"
)

// Export writes entries with seq > since to w in the requested format.
func Export(w io.Writer, entries []Entry, format string, since uint64) error {
	switch format {
	case FormatJSONL:
		return exportJSONL(w, entries, since)
	case FormatCEF:
		return exportCEF(w, entries, since)
	default:
		return fmt.Errorf("audit: unknown export format %q", format)
	}
}

func exportJSONL(w io.Writer, entries []Entry, since uint64) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if e.Seq <= since {
			continue
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("audit: export seq %d: %w", e.Seq, err)
		}
	}
	return nil
}

// exportCEF emits ArcSight Common Event Format lines for SIEM ingestion.
func exportCEF(w io.Writer, entries []Entry, since uint64) error {
	for _, e := range entries {
		if e.Seq <= since {
			continue
		}
		ext := []string{
			fmt.Sprintf("cn1=%d", e.Seq),
			"cn1Label=seq",
			"act=" + cefEscapeExt(e.Action),
			fmt.Sprintf("end=%d", e.Timestamp.UnixMilli()),
			"fileHash=" + e.Hash,
			"oldFileHash=" + e.PreviousHash,
		}
		if e.IntentID != "" {
			ext = append(ext, "cs1="+cefEscapeExt(e.IntentID), "cs1Label=intentId")
		}
		if e.PlanID != "" {
			ext = append(ext, "cs2="+cefEscapeExt(e.PlanID), "cs2Label=planId")
		}
		line := fmt.Sprintf("CEF:0|Aureus|Sentinel|1.0.0|%s|%s|%d|%s\n",
			cefEscapeHeader(e.Action), cefEscapeHeader(e.Action), cefSeverity(e.Action), strings.Join(ext, " "))
		if _, err := io.WriteString(w, line); err != nil {
			return fmt.Errorf("audit: export seq %d: %w", e.Seq, err)
		}
	}
	return nil
}

func cefSeverity(action string) int {
	switch action {
	case ActionIntentRejected, ActionApprovalDenied, ActionBreakerTripped:
		return 6
	case ActionFaultInjected, ActionApprovalExpired:
		return 4
	default:
		return 2
	}
}

func cefEscapeHeader(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "|", `\|`)
}

func cefEscapeExt(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "=", `\=`)
	return strings.ReplaceAll(s, "\n", `\n`)
}
