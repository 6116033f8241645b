package client

import (
	"fmt"
	"io"

	"github.com/sherpa-labs/sherpa/pkg/progress"
)

// statusGlyphs mark streamed status lines by kind.
var statusGlyphs = map[progress.StatusKind]string{
	progress.KindProgress: "⏳",
	progress.KindDone:     "✅",
	progress.KindInfo:     "ℹ️ ",
	progress.KindWaiting:  "⏱ ",
}

// PrintStatus renders one streamed status line.
func PrintStatus(w io.Writer, st progress.Status) {
	glyph, ok := statusGlyphs[st.Kind]
	if !ok {
		glyph = "•"
	}
	if st.Progress != nil {
		fmt.Fprintf(w, "%s [%d/%d] %s\n", glyph, st.Progress.PhaseNumber, st.Progress.TotalPhases, st.Message)
		return
	}
	fmt.Fprintf(w, "%s %s\n", glyph, st.Message)
}

// PrintLog renders one streamed log line.
func PrintLog(w io.Writer, l progress.Log) {
	fmt.Fprintf(w, "   %s %s\n", l.Level, l.Message)
}
