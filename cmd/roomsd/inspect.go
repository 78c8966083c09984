package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/automerge/automerge-go"
	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-rooms/pkg/config"
	"github.com/astromechza/automerge-rooms/pkg/document"
	"github.com/astromechza/automerge-rooms/pkg/viz"
)

func newInspectCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var (
		roomID string
		dot    bool
		svg    string
	)
	cmd := &cobra.Command{
		Use:   "inspect [file]",
		Short: "Print the content, heads and change history of a saved document",
		Long: `Reads a saved automerge document from a file, or with --room from the configured database, and logs its
tree, heads, asset references and changes. --dot prints the history as a graphviz digraph and --svg renders it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var raw []byte
			switch {
			case len(args) == 1 && roomID == "":
				if raw, err = os.ReadFile(args[0]); err != nil {
					return fmt.Errorf("failed to read input file: %w", err)
				}
			case len(args) == 0 && roomID != "":
				if raw, err = loadRoom(cmd.Context(), cfg, roomID); err != nil {
					return err
				}
			default:
				return fmt.Errorf("expected either a file argument or --room")
			}
			return inspect(raw, dot, svg)
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "read the room from the configured database")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the change history as a graphviz digraph")
	cmd.Flags().StringVar(&svg, "svg", "", "render the change history to this svg file")
	return cmd
}

func loadRoom(ctx context.Context, cfg config.Config, roomID string) ([]byte, error) {
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	raw, err := st.LoadState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", roomID, err)
	}
	return raw, nil
}

func inspect(raw []byte, dot bool, svg string) error {
	doc, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	tree, err := document.Materialize(doc)
	if err != nil {
		return fmt.Errorf("failed to read doc: %w", err)
	}
	slog.Info("loaded doc", "contents", string(tree.Canonical()))
	slog.Info("loaded heads", "heads", doc.Heads())

	refs := tree.AssetRefs()
	urls := make([]string, 0, len(refs))
	for url := range refs {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	for _, url := range urls {
		slog.Info("asset", "url", url, "refs", refs[url])
	}

	history, err := viz.History(doc)
	if err != nil {
		return err
	}
	slog.Info("changes:")
	for i, c := range history {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", c.Hash, "actor", c.Actor, "seq", c.Seq, "dep", c.Deps)
	}

	if dot {
		if err := viz.WriteDot(os.Stdout, history); err != nil {
			return err
		}
	}
	if svg != "" {
		if err := viz.RenderToFile(doc, svg); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+svg)
	}
	return nil
}
