package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/harun/conductor/pkg/client"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [session-id]",
	Short: "Follow the queue, or one session",
	Long: `Without arguments, keep a live view of the queue: the aggregate status and
what each running session is doing. The view survives daemon restarts.

With a session id, print that session's events until it ends.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		return followSession(cmd, c, args[0])
	}

	view := &queueView{out: cmd.OutOrStdout()}
	ctrl := client.NewController(c, view.update, client.ControllerConfig{
		Logger: consoleLogger(cmd),
	})
	ctrl.Start(cmd.Context())
	<-cmd.Context().Done()
	ctrl.Stop()
	return nil
}

// queueView prints a projection whenever its visible summary changes.
type queueView struct {
	out  io.Writer
	mu   sync.Mutex
	last string
}

func (v *queueView) update(p client.Projection) {
	line := summarize(p)

	v.mu.Lock()
	defer v.mu.Unlock()
	if line == v.last {
		return
	}
	v.last = line
	fmt.Fprintf(v.out, "%s %s\n", dimStyle.Render(time.Now().Format("15:04:05")), line)
}

func summarize(p client.Projection) string {
	if !p.Connected {
		return styleStatus("failed") + " disconnected, retrying"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "running %d, queued %d", p.Status.Running, p.Status.Queued)
	for _, s := range p.Running {
		activity := s.CurrentActivity
		if p.CancelPending[s.ID] {
			activity = "cancelling"
		}
		if activity == "" {
			activity = "working"
		}
		fmt.Fprintf(&b, " | %s %s", shortID(s.ID), activity)
	}
	return b.String()
}
