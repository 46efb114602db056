package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/memclaw/internal/memory"
)

func (a *app) memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit the knowledge document",
	}

	var limit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search remembered facts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(func(svc *memory.Service) error {
				results := svc.Search(strings.Join(args, " "), limit)
				if len(results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No matches.")
					return nil
				}
				for _, r := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "%.3f  [%s] %s  (%s)\n", r.Score, r.Category, r.Content, r.Source)
				}
				return nil
			})
		},
	}
	search.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the knowledge document",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withService(func(svc *memory.Service) error {
					doc, err := svc.ReadDocument()
					if err != nil {
						return err
					}
					fmt.Fprint(cmd.OutOrStdout(), doc)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "write [text]",
			Short: "Replace the knowledge document (reads stdin when no text is given)",
			RunE: func(cmd *cobra.Command, args []string) error {
				text, err := argsOrStdin(cmd, args)
				if err != nil {
					return err
				}
				return a.withService(func(svc *memory.Service) error {
					return svc.WriteDocument(text)
				})
			},
		},
		&cobra.Command{
			Use:   "append <text>",
			Short: "Append a line to the knowledge document",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withService(func(svc *memory.Service) error {
					return svc.AppendDocument(strings.Join(args, " "))
				})
			},
		},
		search,
		&cobra.Command{
			Use:   "stats",
			Short: "Print memory statistics as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withService(func(svc *memory.Service) error {
					stats, err := svc.Stats()
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"memory": stats,
						"index":  svc.IndexStats(),
					})
				})
			},
		},
		&cobra.Command{
			Use:   "compact",
			Short: "Consolidate the knowledge document now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withService(func(svc *memory.Service) error {
					result, ok := svc.Compact(cmd.Context())
					if !ok {
						fmt.Fprintln(cmd.OutOrStdout(), "Compaction skipped.")
						return nil
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Compacted %d facts into %d.\n", result.Before, result.After)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "context",
			Short: "Print the memory context injected into agent prompts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withService(func(svc *memory.Service) error {
					fmt.Fprintln(cmd.OutOrStdout(), svc.MemoryContext())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "extract <conversation-id>",
			Short: "Extract facts from a conversation's buffered turns",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withService(func(svc *memory.Service) error {
					n, ok := svc.ExtractNow(cmd.Context(), args[0])
					if !ok {
						return fmt.Errorf("extraction unavailable, turns kept for retry")
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Extracted %d facts.\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}

func (a *app) logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read and append daily logs",
	}

	var date string
	appendCmd := &cobra.Command{
		Use:   "append <text>",
		Short: "Append an entry to a daily log",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(func(svc *memory.Service) error {
				return svc.AppendDailyLog(date, strings.Join(args, " "))
			})
		},
	}
	appendCmd.Flags().StringVarP(&date, "date", "d", "", "Date in YYYY-MM-DD format (default today)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show [date]",
			Short: "Print a daily log (default today)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				day := ""
				if len(args) == 1 {
					day = args[0]
				}
				return a.withService(func(svc *memory.Service) error {
					text, err := svc.ReadDailyLog(day)
					if err != nil {
						return err
					}
					fmt.Fprint(cmd.OutOrStdout(), text)
					return nil
				})
			},
		},
		appendCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List daily log dates, most recent first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withService(func(svc *memory.Service) error {
					dates, err := svc.ListDailyLogDates()
					if err != nil {
						return err
					}
					for _, d := range dates {
						fmt.Fprintln(cmd.OutOrStdout(), d)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func (a *app) settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change memory pipeline settings",
	}

	var (
		enabled     bool
		autoExtract bool
		threshold   float64
		interval    int
		minNew      int
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Update settings; only the given flags change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var patch memory.SettingsPatch
			flags := cmd.Flags()
			if flags.Changed("enabled") {
				patch.Enabled = &enabled
			}
			if flags.Changed("auto-extract") {
				patch.AutoExtract = &autoExtract
			}
			if flags.Changed("flush-threshold") {
				patch.FlushThreshold = &threshold
			}
			if flags.Changed("interval") {
				patch.ExtractIntervalSeconds = &interval
			}
			if flags.Changed("min-new") {
				patch.MinNewMessages = &minNew
			}
			return a.withService(func(svc *memory.Service) error {
				st, err := svc.UpdateSettings(patch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	set.Flags().BoolVar(&enabled, "enabled", true, "Enable the memory pipeline")
	set.Flags().BoolVar(&autoExtract, "auto-extract", true, "Extract automatically on usage and schedule")
	set.Flags().Float64Var(&threshold, "flush-threshold", memory.DefaultFlushThreshold, "Context utilization (0-1] that triggers extraction")
	set.Flags().IntVar(&interval, "interval", 300, "Seconds between background extraction sweeps")
	set.Flags().IntVar(&minNew, "min-new", 6, "New messages a conversation needs before a sweep extracts it")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print current settings as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withService(func(svc *memory.Service) error {
					return printJSON(cmd.OutOrStdout(), svc.Settings())
				})
			},
		},
		set,
	)
	return cmd
}

func argsOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}
