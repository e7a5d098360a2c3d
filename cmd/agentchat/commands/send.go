package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telnet2/go-practice/agentstream/internal/chat"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

var (
	sendSession string
	sendMode    string
	sendAttach  []string
	sendJSON    bool
)

var sendCmd = &cobra.Command{
	Use:   "send [message...]",
	Short: "Send one message and print the answer",
	Long: `Send one message, render the agent's steps while it works and print the
answer. Use "-" to read the message from stdin. Without --session a new
session is created and its id is printed to stderr.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendSession, "session", "s", "", "Session ID to continue")
	sendCmd.Flags().StringVarP(&sendMode, "mode", "m", "", "Agent mode (auto|thinking|fast)")
	sendCmd.Flags().StringArrayVar(&sendAttach, "attach", nil, "Attach an uploaded document (id=filename)")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Print JSON lines instead of text")
}

func runSend(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if text == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		text = string(b)
	}

	attachments, err := parseAttachments(sendAttach)
	if err != nil {
		return err
	}
	mode := loaded.AgentMode
	if sendMode != "" {
		mode = types.AgentMode(sendMode)
	}

	a := newApp(loaded)
	defer a.Close()
	ctx := cmd.Context()
	if showEvent {
		if err := a.tapEvents(ctx); err != nil {
			return err
		}
	}

	r := NewRenderer(cmd.OutOrStdout(), noColor, sendJSON)
	unsub := r.Attach(a.bus, func() string { return "" })
	defer unsub()

	r.User(text)
	turn, err := runTurn(ctx, a, sendSession, text, types.SendOptions{Attachments: attachments, AgentMode: mode})
	if err != nil {
		return err
	}
	if sendSession == "" && !sendJSON {
		fmt.Fprintf(os.Stderr, "session %s\n", turn.SessionID())
	}

	switch turn.Outcome() {
	case chat.OutcomeCompleted:
		return nil
	case chat.OutcomeFailed:
		return errors.New(turn.Err())
	default:
		return errors.New("turn aborted")
	}
}
