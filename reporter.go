package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/l7mp/dflow/pkg/dataflow"
)

// reporter prints the updates of the output streams. In log mode each update is printed as it
// arrives, in table mode the updates are collected and rendered as one markdown table per epoch.
type reporter struct {
	w       io.Writer
	table   bool
	mu      sync.Mutex
	updates map[uint64][]row
}

type row struct {
	stream string
	update dataflow.Update
}

func newReporter(w io.Writer, format string) *reporter {
	return &reporter{w: w, table: format == "table", updates: map[uint64][]row{}}
}

func (r *reporter) sink(stream string) dataflow.Sink {
	return dataflow.InspectFunc(func(u dataflow.Update) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.table {
			r.updates[u.Time.Epoch] = append(r.updates[u.Time.Epoch], row{stream: stream, update: u})
			return
		}
		fmt.Fprintf(r.w, "%s: %s\n", stream, colorize(u))
	})
}

func colorize(u dataflow.Update) string {
	switch {
	case u.Anomaly:
		return color.YellowString("%s", u)
	case u.Diff < 0:
		return color.RedString("%s", u)
	default:
		return color.GreenString("%s", u)
	}
}

// flush renders the collected tables.
func (r *reporter) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.table {
		return
	}

	epochs := make([]uint64, 0, len(r.updates))
	for e := range r.updates {
		epochs = append(epochs, e)
	}
	slices.Sort(epochs)

	for _, e := range epochs {
		rows := r.updates[e]
		slices.SortStableFunc(rows, func(a, b row) int {
			if a.stream != b.stream {
				if a.stream < b.stream {
					return -1
				}
				return 1
			}
			return a.update.Tuple.Compare(b.update.Tuple)
		})

		fmt.Fprintf(r.w, "\n### epoch %d\n\n", e)
		table := tablewriter.NewTable(r.w,
			tablewriter.WithRenderer(renderer.NewMarkdown()),
			tablewriter.WithAlignment([]tw.Align{tw.AlignNone, tw.AlignNone, tw.AlignNone, tw.AlignNone}),
			tablewriter.WithHeaderAutoFormat(tw.Off),
		)
		table.Header([]string{"stream", "tuple", "time", "diff"})
		for _, x := range rows {
			diff := strconv.Itoa(x.update.Diff)
			if x.update.Diff > 0 {
				diff = "+" + diff
			}
			if x.update.Anomaly {
				diff += " (anomaly)"
			}
			table.Append([]string{x.stream, x.update.Tuple.String(), x.update.Time.String(), diff})
		}
		table.Render()
	}
	r.updates = map[uint64][]row{}
}
