// Command dhub is the Data Hub's administrative CLI: it operates an
// in-process *app.Hub directly against a local config/store file rather
// than through the IPC/RPC transport (an external collaborator, out of
// scope per spec.md §1). Grounded on the pack's cobra-based CLI idiom
// (hectolitro-yeet's pkg/cli.CommandHandler: one RootCmd, one subcommand
// constructor per verb, flags bound with cmd.Flags()), since the teacher
// repo's own cmd/main.go manages a single long-running daemon with bare
// flag rather than a multi-verb admin tool.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"datahub/internal/app"
	"datahub/internal/sample"
	"datahub/internal/tree"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dhub:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "dhub",
		Short:         "Operate a Data Hub resource tree",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to the Data Hub config file")

	cmd.AddCommand(
		getCmd(&configFile),
		setCmd(&configFile),
		pushCmd(&configFile),
		listCmd(&configFile),
		watchCmd(&configFile),
	)
	return cmd
}

func openHub(configFile string) (*app.Hub, error) {
	h, err := app.New(configFile)
	if err != nil {
		return nil, err
	}
	if err := h.Start(); err != nil {
		return nil, err
	}
	return h, nil
}

func parseType(s string) (sample.Type, error) {
	switch s {
	case "trigger":
		return sample.Trigger, nil
	case "bool", "boolean":
		return sample.Boolean, nil
	case "num", "numeric":
		return sample.Numeric, nil
	case "string":
		return sample.String, nil
	case "json":
		return sample.JSON, nil
	default:
		return 0, fmt.Errorf("unknown sample type %q", s)
	}
}

func parseSample(kind sample.Type, raw string) (sample.Sample, error) {
	switch kind {
	case sample.Trigger:
		return sample.CreateTrigger(sample.Now), nil
	case sample.Boolean:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return sample.Sample{}, err
		}
		return sample.CreateBool(sample.Now, v), nil
	case sample.Numeric:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return sample.Sample{}, err
		}
		return sample.CreateNum(sample.Now, v), nil
	case sample.String:
		return sample.CreateString(sample.Now, raw), nil
	case sample.JSON:
		return sample.CreateJSON(sample.Now, raw), nil
	default:
		return sample.Sample{}, fmt.Errorf("unsupported sample type %v", kind)
	}
}

func getCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Print a resource's current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHub(*configFile)
			if err != nil {
				return err
			}
			defer h.Stop()

			entry, ok := h.Tree.Find(args[0])
			if !ok || entry.Resource == nil {
				return fmt.Errorf("no resource at %s", args[0])
			}
			r := entry.Resource
			if !r.HasCurrent {
				return fmt.Errorf("%s has no current value", args[0])
			}
			out, _ := json.Marshal(map[string]interface{}{
				"path":  entry.Path,
				"type":  r.CurrentType,
				"ts":    r.CurrentValue.Timestamp,
				"value": currentValueJSON(r.CurrentType, r.CurrentValue),
			})
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	return cmd
}

func currentValueJSON(kind sample.Type, s sample.Sample) interface{} {
	switch kind {
	case sample.Boolean:
		return s.Bool
	case sample.Numeric:
		return s.Num
	case sample.String, sample.JSON:
		return s.Text
	default:
		return nil
	}
}

func setCmd(configFile *string) *cobra.Command {
	var isDefault bool
	cmd := &cobra.Command{
		Use:   "set <path> <type> <value>",
		Short: "Set an override (or, with --default, a default) admin setting on a resource",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseType(args[1])
			if err != nil {
				return err
			}
			s, err := parseSample(kind, args[2])
			if err != nil {
				return err
			}

			h, err := openHub(*configFile)
			if err != nil {
				return err
			}
			defer h.Stop()

			_, err = h.SetAdminSetting(args[0], !isDefault, tree.Setting{Type: kind, Value: s, Set: true})
			return err
		},
	}
	cmd.Flags().BoolVar(&isDefault, "default", false, "set a default instead of an override")
	return cmd
}

func pushCmd(configFile *string) *cobra.Command {
	var units string
	cmd := &cobra.Command{
		Use:   "push <path> <type> <value>",
		Short: "Push a sample into a resource",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseType(args[1])
			if err != nil {
				return err
			}
			s, err := parseSample(kind, args[2])
			if err != nil {
				return err
			}

			h, err := openHub(*configFile)
			if err != nil {
				return err
			}
			defer h.Stop()

			return h.Router.Push(args[0], kind, units, s)
		},
	}
	cmd.Flags().StringVar(&units, "units", "", "units hint to validate against the resource's declared units")
	return cmd
}

func listCmd(configFile *string) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "list <path>",
		Short: "List child paths of a namespace entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHub(*configFile)
			if err != nil {
				return err
			}
			defer h.Stop()

			root, ok := h.Tree.Find(args[0])
			if !ok {
				return fmt.Errorf("no entry at %s", args[0])
			}
			listChildren(cmd, h, root.ID, recursive)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "recurse into descendants")
	return cmd
}

func listChildren(cmd *cobra.Command, h *app.Hub, id tree.ID, recursive bool) {
	child, ok := h.Tree.FirstChild(id, false)
	for ok {
		fmt.Fprintln(cmd.OutOrStdout(), child.Path)
		if recursive {
			listChildren(cmd, h, child.ID, true)
		}
		child, ok = h.Tree.NextSibling(child.ID, false)
	}
}

func watchCmd(configFile *string) *cobra.Command {
	var since float64
	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Print accepted samples under path as they arrive until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHub(*configFile)
			if err != nil {
				return err
			}
			defer h.Stop()

			entry, ok := h.Tree.Find(args[0])
			if !ok || entry.Resource == nil {
				return fmt.Errorf("no resource at %s", args[0])
			}
			kind := entry.Resource.DeclaredType

			// --since replays whatever is still held in the Observation's
			// in-memory ring buffer before switching to live delivery; it
			// is not a durable historical query (that lives in the disk
			// backup recovered through internal/observation.Manager.Recover).
			for _, buffered := range entry.Resource.Buffer {
				if buffered.Timestamp >= since {
					printSample(cmd, buffered.Timestamp, currentValueJSON(kind, buffered))
				}
			}

			id, err := h.Router.AddPushHandler(args[0], kind, func(s sample.Sample) {
				h.Loop().Post(func() { printSample(cmd, s.Timestamp, currentValueJSON(kind, s)) })
			})
			if err != nil {
				return err
			}
			defer h.Router.RemovePushHandler(args[0], id)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			for {
				if n := h.Loop().Tick(); n == 0 {
					select {
					case <-sigCh:
						return nil
					case <-time.After(50 * time.Millisecond):
					}
				}
			}
		},
	}
	cmd.Flags().Float64Var(&since, "since", 0, "only replay buffered samples at or after this timestamp before going live")
	return cmd
}

func printSample(cmd *cobra.Command, ts float64, value interface{}) {
	out, _ := json.Marshal(map[string]interface{}{"ts": ts, "value": value})
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
}
