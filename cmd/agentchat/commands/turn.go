package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/telnet2/go-practice/agentstream/internal/chat"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// runTurn sends text and blocks until the turn ends. An interrupt while the
// turn is streaming aborts the turn instead of the process.
func runTurn(ctx context.Context, a *app, sessionID, text string, opts types.SendOptions) (*chat.Turn, error) {
	turn, err := a.sender.Send(ctx, sessionID, text, opts)
	if err != nil {
		return nil, err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-turn.Done():
	case <-sigCtx.Done():
		turn.Abort()
		<-turn.Done()
	}
	return turn, nil
}

// parseAttachments reads id=filename pairs.
func parseAttachments(specs []string) ([]types.AttachmentInfo, error) {
	out := make([]types.AttachmentInfo, 0, len(specs))
	for _, s := range specs {
		id, name, ok := strings.Cut(s, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid attachment %q (want id=filename)", s)
		}
		out = append(out, types.AttachmentInfo{ID: id, Filename: name})
	}
	return out, nil
}
