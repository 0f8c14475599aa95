// Package render formats runner state for terminals and logs.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/lguibr/edgerunner/runner"
)

// Status renders a snapshot as a plain text block, one actor per line.
func Status(snap runner.Snapshot) string {
	var b strings.Builder

	runnerID := snap.RunnerID
	if runnerID == "" {
		runnerID = "-"
	}
	fmt.Fprintf(&b, "state:          %s\n", snap.State)
	fmt.Fprintf(&b, "runner:         %s\n", runnerID)
	fmt.Fprintf(&b, "attempt:        %d\n", snap.Attempt)
	fmt.Fprintf(&b, "last command:   %d\n", snap.LastCommandIdx)
	fmt.Fprintf(&b, "next event:     %d (%d unacked)\n", snap.NextEventIdx, snap.JournalSize)
	fmt.Fprintf(&b, "pending kv:     %d\n", snap.PendingKV)
	if snap.RunnerLostThreshold > 0 {
		fmt.Fprintf(&b, "lost threshold: %s\n", snap.RunnerLostThreshold)
	}

	if len(snap.Actors) == 0 {
		b.WriteString("actors:         none\n")
		return b.String()
	}
	fmt.Fprintf(&b, "actors:         %d\n", len(snap.Actors))

	width := len("ACTOR")
	for _, a := range snap.Actors {
		if len(a.ActorID) > width {
			width = len(a.ActorID)
		}
	}
	fmt.Fprintf(&b, "  %-*s  %4s  %-16s  %s\n", width, "ACTOR", "GEN", "NAME", "STARTED")
	for _, a := range snap.Actors {
		name := a.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(&b, "  %-*s  %4d  %-16s  %s\n", width, a.ActorID, a.Generation, name, a.StartedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}
