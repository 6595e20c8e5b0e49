package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/drivedesk/drivedesk-go/internal/gdrive"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// confirm asks a yes/no question on the terminal. Non-interactive
// stdin (a pipe, a script) answers no, so destructive commands require
// --force when scripted.
func confirm(prompt string) bool {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return false
	}

	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))

	return answer == "y" || answer == "yes"
}

// printFiles writes a file listing as JSON or an aligned table. Pinned
// files get a marker in table output.
func printFiles(files []gdrive.File, pins []string) error {
	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(files)
	}

	pinned := make(map[string]bool, len(pins))
	for _, id := range pins {
		pinned[id] = true
	}

	rows := make([][]string, 0, len(files))

	for _, f := range files {
		marker := ""
		if pinned[f.ID] {
			marker = "*"
		}

		rows = append(rows, []string{
			marker,
			f.Name,
			string(gdrive.KindForMime(f.MimeType)),
			formatRFC3339(f.ModifiedTime),
			f.ID,
		})
	}

	printTable(os.Stdout, []string{"", "NAME", "KIND", "MODIFIED", "ID"}, rows)

	return nil
}

// formatRFC3339 renders a Drive timestamp compactly, passing unparseable
// values through untouched.
func formatRFC3339(ts string) string {
	if ts == "" {
		return ""
	}

	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}

	return formatTime(t)
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.Join(parts, "  "))
}
