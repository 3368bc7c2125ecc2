package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"receiptflow/internal/core"
	"receiptflow/internal/notify"
)

// renderFlashes prints every new flash once. The returned function stops
// the renderer and waits for it; calling it again is a no-op.
func renderFlashes(sink *notify.Sink, out io.Writer) func() {
	ch, cancel := sink.Subscribe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		seen := map[string]bool{}
		for snap := range ch {
			for _, m := range snap {
				if seen[m.ID] {
					continue
				}
				seen[m.ID] = true
				fmt.Fprintf(out, "[%s] %s\n", m.Type, m.Message)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

func printRejections(out io.Writer, res *core.BatchResult) {
	if len(res.Rejected)+len(res.Failed) == 0 {
		return
	}
	fmt.Fprintf(out, "%d file(s) skipped.\n", len(res.Rejected)+len(res.Failed))
}

func renderErrorState(out io.Writer, err error) {
	if phase := core.Phase(err); phase != "unknown" {
		fmt.Fprintf(out, "\nUpload failed at %s: %v\n", phase, err)
	} else {
		fmt.Fprintf(out, "\nUpload failed: %v\n", err)
	}
	fmt.Fprintln(out, "  Try again:          receipts upload ...")
	fmt.Fprintln(out, "  Back to dashboard:  receipts history")
}

func renderSignup(out io.Writer, q core.QuotaState) {
	fmt.Fprintln(out, "\nYou've reached the free upload limit.")
	if q.SignupPrompt != "" {
		fmt.Fprintln(out, q.SignupPrompt)
	}
	fmt.Fprintln(out, "  Sign up, then run: receipts login -token <TOKEN>")
}

func renderHistory(out io.Writer, list []core.TrackedReceipt) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSTORE\tTOTAL\tITEMS\tUPDATED")
	for _, r := range list {
		total := "-"
		if r.Record.Total != nil {
			total = r.Record.Total.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			r.Record.ID,
			strings.ReplaceAll(string(r.TrackState), "_", " "),
			r.Record.DisplayStore(),
			total,
			len(r.Record.Items),
			r.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
}
