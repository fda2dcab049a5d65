package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func itoa(n int) string { return strconv.Itoa(n) }

// humanBytes renders a size with a binary unit.
func humanBytes(n int64) string {
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

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func printFailures(w io.Writer, failures []workspace.Failure) {
	for _, f := range failures {
		where := f.Project
		if f.Subproject != "" {
			where += "/" + f.Subproject
		}
		if f.Item != "" {
			where += " " + f.Item
		}
		fmt.Fprintln(w, ErrorStyle.Render("failed ")+where+": "+f.Reason)
	}
}

func printWarnings(w io.Writer, warnings []workspace.ScanWarning) {
	for _, warn := range warnings {
		fmt.Fprintln(w, WarningStyle.Render("warning ")+warn.Path+": "+warn.Reason)
	}
}
