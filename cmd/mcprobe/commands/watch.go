package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/probeworks/mcprobe"
)

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	var showInteractions bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print server notifications as they arrive",
		Long: "watch connects to the selected server and prints every translated " +
			"notification. When a catalog changes, the affected listing is fetched " +
			"again and printed as a diff against the previous snapshot. Interrupt to exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := requireServer()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc := newService()
			w := &watcher{svc: svc, out: cmd.OutOrStdout(), snapshots: make(map[mcprobe.NotificationKind]string)}

			svc.OnStateChange(func(state mcprobe.ServerState) {
				fmt.Fprintf(w.out, "state: %s\n", state)
			})
			svc.OnServerNotification(w.handleNotification)
			if showInteractions {
				svc.OnInteraction(func(i mcprobe.Interaction) {
					fmt.Fprintf(w.out, "%s %s %s\n", i.Time.Format("15:04:05.000"), i.Direction, i.Message)
				})
			}

			if err := svc.Connect(ctx, server); err != nil {
				return err
			}
			defer svc.Disconnect()

			// Take the initial snapshots so the first change diffs against
			// what the catalog looked like at connect time.
			w.snapshot(ctx, mcprobe.KindToolsChanged)
			w.snapshot(ctx, mcprobe.KindResourcesChanged)
			w.snapshot(ctx, mcprobe.KindPromptsChanged)

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&showInteractions, "interactions", false, "Also print every raw wire exchange")
	return cmd
}

// watcher prints notifications and renders catalog drift. Snapshots are
// rendered listings keyed by the kind whose change invalidates them.
type watcher struct {
	svc *mcprobe.ConnectionService
	out io.Writer

	mu        sync.Mutex
	snapshots map[mcprobe.NotificationKind]string
}

func (w *watcher) handleNotification(n mcprobe.ServerNotification) {
	fmt.Fprintf(w.out, "%s [%s] %s\n", n.Time.Format("15:04:05.000"), n.Kind, n.Message)

	switch n.Kind {
	case mcprobe.KindToolsChanged, mcprobe.KindResourcesChanged, mcprobe.KindPromptsChanged:
		w.diff(context.Background(), n.Kind)
	}
}

// snapshot renders the catalog the kind tracks and stores it.
func (w *watcher) snapshot(ctx context.Context, kind mcprobe.NotificationKind) {
	rendered, err := w.render(ctx, kind)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.snapshots[kind] = rendered
	w.mu.Unlock()
}

// diff re-fetches the catalog the kind tracks and prints a patch against the
// previous snapshot.
func (w *watcher) diff(ctx context.Context, kind mcprobe.NotificationKind) {
	rendered, err := w.render(ctx, kind)
	if err != nil {
		fmt.Fprintf(w.out, "failed to refresh catalog: %v\n", err)
		return
	}

	w.mu.Lock()
	previous := w.snapshots[kind]
	w.snapshots[kind] = rendered
	w.mu.Unlock()

	if previous == rendered {
		return
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(previous, rendered, true)
	patches := dmp.PatchMake(diffs)
	for _, patch := range patches {
		fmt.Fprint(w.out, dmp.PatchToText([]diffmatchpatch.Patch{patch}))
	}
}

// render produces a stable one-line-per-entry listing of the catalog the kind
// tracks, so diffs read as added and removed entries.
func (w *watcher) render(ctx context.Context, kind mcprobe.NotificationKind) (string, error) {
	var sb strings.Builder
	switch kind {
	case mcprobe.KindToolsChanged:
		tools, err := w.svc.ListTools(ctx)
		if err != nil {
			return "", err
		}
		for _, t := range tools {
			fmt.Fprintf(&sb, "tool %s params=%s\n", t.Name, strings.Join(t.InputSchema.Params(), ","))
		}
	case mcprobe.KindResourcesChanged:
		resources, err := w.svc.ListResources(ctx)
		if err != nil {
			return "", err
		}
		for _, r := range resources {
			fmt.Fprintf(&sb, "resource %s %s\n", r.URI, r.Name)
		}
	case mcprobe.KindPromptsChanged:
		prompts, err := w.svc.ListPrompts(ctx)
		if err != nil {
			return "", err
		}
		for _, p := range prompts {
			fmt.Fprintf(&sb, "prompt %s\n", p.Name)
		}
	}
	return sb.String(), nil
}
