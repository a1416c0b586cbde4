package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/joeycumines/go-cycle"
)

func report(w io.Writer, s *cycle.Scheduler, elapsed time.Duration) {
	st := s.Stats()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(k string, v any) { _, _ = fmt.Fprintf(tw, "%s\t%v\n", k, v) }
	row(`elapsed`, elapsed.Round(time.Millisecond))
	row(`workers`, s.Workers())
	row(`spawned`, st.Spawned)
	row(`completed`, st.Completed)
	row(`failed`, st.Failed)
	row(`cancelled`, st.Cancelled)
	row(`leaked`, st.Leaked)
	row(`resumes`, st.Resumes)
	row(`steals`, fmt.Sprintf("%d (%d tasks)", st.Steals, st.Stolen))
	row(`parks`, st.Parks)
	row(`io events`, st.IOEvents)
	row(`timers fired`, st.TimersFired)
	row(`tasks/sec`, fmt.Sprintf("%.0f", st.TasksPerSecond()))
	row(`completion rate`, fmt.Sprintf("%.4f", st.CompletionRate()))
	if m := s.Metrics(); m != nil {
		row(`resume p50`, m.Resume.P50)
		row(`resume p99`, m.Resume.P99)
		row(`resume max`, m.Resume.Max)
		row(`global queue max`, m.Queue.GlobalMax)
		row(`local queue max`, m.Queue.LocalMax)
	}
	_ = tw.Flush()
}
