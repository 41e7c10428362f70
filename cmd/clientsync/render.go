package main

import (
	"fmt"
	"io"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/progress"
)

// newProgressPrinter renders one line per snapshot: [stage] percent% message
func newProgressPrinter(w io.Writer) progress.Sink {
	return progress.SinkFunc(func(p progress.Progress) {
		fmt.Fprintf(w, "[%s] %3d%% %s\n", p.Stage, p.Percent, p.Message)
	})
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
