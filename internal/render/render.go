// Package render draws monitor snapshots as terminal text.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/traderat755/eastmoneywatch/internal/aggregate"
	"github.com/traderat755/eastmoneywatch/internal/models"
	"github.com/traderat755/eastmoneywatch/internal/monitor"
)

var (
	alertStyle  = color.New(color.FgRed, color.Bold)
	newestStyle = color.New(color.FgYellow, color.Underline)
	sectorStyle = color.New(color.FgCyan, color.Bold)
	pickedStyle = color.New(color.FgMagenta)
	errorStyle  = color.New(color.FgRed)
	dimStyle    = color.New(color.Faint)
)

// Options controls what is drawn.
type Options struct {
	// Sectors restricts and orders the sectors shown; empty shows all in
	// first-seen order.
	Sectors  []string
	IsPicked func(sector string) bool
}

// Render writes the status line followed by one block per sector.
func Render(w io.Writer, snap *monitor.Snapshot, st monitor.Status, opts Options) error {
	if _, err := io.WriteString(w, statusLine(snap, st)+"\n"); err != nil {
		return err
	}
	return View(w, snap.View, opts)
}

// View writes one block per sector of vm.
func View(w io.Writer, vm *models.ViewModel, opts Options) error {
	var b strings.Builder
	order := vm.Order
	if len(opts.Sectors) > 0 {
		order = opts.Sectors
	}

	for _, name := range order {
		sv, ok := vm.Sector(name)
		if !ok {
			continue
		}
		b.WriteString("\n")
		if opts.IsPicked != nil && opts.IsPicked(name) {
			b.WriteString(pickedStyle.Sprint("♥ "))
		}
		b.WriteString(sectorStyle.Sprint(name))
		b.WriteString("\n")
		for _, p := range []models.Period{models.Morning, models.Afternoon} {
			bucket := sv.Bucket(p)
			for _, t := range bucket.Times() {
				fmt.Fprintf(&b, "  %s %s  %s\n", p, t, Cell(bucket[t]))
			}
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Cell renders one (sector, period, time) cell after deduplication.
func Cell(stocks []models.DisplayStock) string {
	parts := make([]string, 0, len(stocks))
	for _, s := range aggregate.Deduplicate(stocks) {
		parts = append(parts, Stock(s))
	}
	return strings.Join(parts, "  ")
}

// Stock renders one entry: newest entries are marked with "*", alert values
// are emphasized, and the streak sign follows in brackets.
func Stock(s models.DisplayStock) string {
	name := s.Name
	if s.IsNewest {
		name = newestStyle.Sprint("*" + name)
	}
	value := aggregate.FormatValue(s.Value)
	if aggregate.IsAlert(s) {
		value = alertStyle.Sprint(value)
	}
	out := name + " " + value
	if s.Category != "" {
		out += dimStyle.Sprint(" " + s.Category)
	}
	if s.Sign != "" {
		out += " [" + s.Sign + "]"
	}
	return out
}

func statusLine(snap *monitor.Snapshot, st monitor.Status) string {
	kind := st.Kind.String()
	switch st.Kind {
	case monitor.TransportError, monitor.ParseError:
		kind = errorStyle.Sprint(kind)
	}
	line := "status: " + kind
	if st.Message != "" {
		line += " (" + st.Message + ")"
	}
	if !snap.UpdatedAt.IsZero() {
		line += " | updated " + snap.UpdatedAt.Format("15:04:05")
	}
	line += fmt.Sprintf(" | %d records", snap.Records)
	if snap.Restored {
		line += dimStyle.Sprint(" | restored")
	}
	return line
}
