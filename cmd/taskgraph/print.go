package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// printStatus prints a status line with a colored icon.
func printStatus(w io.Writer, icon, message string, attr color.Attribute) {
	fmt.Fprintf(w, "  %s %s\n", color.New(attr).Sprint(icon), message)
}

func printHeader(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.New(color.Bold).Sprintf(format, args...))
}

func joinIDs(ids []string, limit int) string {
	if len(ids) <= limit {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s, ... (%d more)", strings.Join(ids[:limit], ", "), len(ids)-limit)
}
