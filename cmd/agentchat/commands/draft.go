package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Manage unsent message drafts",
}

var draftSaveCmd = &cobra.Command{
	Use:   "save <session> <text...>",
	Short: "Save the draft of a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(loaded)
		defer a.Close()
		a.drafts.Save(cmd.Context(), args[0], strings.Join(args[1:], " "))
		warnDegraded(a)
		return nil
	},
}

var draftShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Print the draft of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(loaded)
		defer a.Close()
		if d := a.drafts.Load(cmd.Context(), args[0]); d != "" {
			fmt.Fprintln(cmd.OutOrStdout(), d)
		}
		warnDegraded(a)
		return nil
	},
}

var draftClearCmd = &cobra.Command{
	Use:   "clear <session>",
	Short: "Discard the draft of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(loaded)
		defer a.Close()
		a.drafts.Clear(cmd.Context(), args[0])
		warnDegraded(a)
		return nil
	},
}

var draftListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions with a draft",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(loaded)
		defer a.Close()
		for _, id := range a.drafts.Sessions(cmd.Context()) {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		warnDegraded(a)
		return nil
	},
}

func init() {
	draftCmd.AddCommand(draftSaveCmd, draftShowCmd, draftClearCmd, draftListCmd)
}

func warnDegraded(a *app) {
	if a.drafts.Degraded() {
		fmt.Fprintln(os.Stderr, "warning: draft storage is unavailable; drafts are not persisted")
	}
}
