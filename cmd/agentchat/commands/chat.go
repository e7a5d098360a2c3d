package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/telnet2/go-practice/agentstream/internal/chat"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

var (
	chatSession string
	chatMode    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Long: `Start an interactive chat. Lines ending in "\" continue on the next line.
Press Ctrl-C while the agent is working to abort the turn.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session ID to open")
	chatCmd.Flags().StringVarP(&chatMode, "mode", "m", "", "Agent mode (auto|thinking|fast)")
}

const helpText = `Commands:
  /help              show this help
  /new               start a new session with the next message
  /session <id>      open an existing session
  /mode <mode>       set the agent mode (auto|thinking|fast)
  /draft [text]      show the draft, or save text as the draft
  /draft clear       discard the draft
  /exit              quit`

// repl holds the interactive state.
type repl struct {
	app *app
	r   *Renderer
	in  *bufio.Reader

	mu      sync.Mutex
	session string
	mode    types.AgentMode
}

func (c *repl) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *repl) setSession(id string) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

func runChat(cmd *cobra.Command, args []string) error {
	a := newApp(loaded)
	defer a.Close()
	ctx := cmd.Context()
	if showEvent {
		if err := a.tapEvents(ctx); err != nil {
			return err
		}
	}

	mode := loaded.AgentMode
	if chatMode != "" {
		mode = types.AgentMode(chatMode)
	}
	c := &repl{
		app:  a,
		r:    NewRenderer(cmd.OutOrStdout(), noColor, false),
		in:   bufio.NewReader(cmd.InOrStdin()),
		mode: mode,
	}
	unsub := c.r.Attach(a.bus, c.current)
	defer unsub()

	c.r.Info("Connected to %s (type /help for commands)", loaded.Server.URL)
	if a.drafts.Degraded() {
		c.r.Info("drafts are kept in memory only")
	}
	if chatSession != "" {
		if err := c.open(ctx, chatSession); err != nil {
			return err
		}
	}
	return c.loop(ctx, cmd.OutOrStdout())
}

func (c *repl) loop(ctx context.Context, out io.Writer) error {
	for {
		line, err := c.read(out)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "/") {
			quit, err := c.command(ctx, out, trimmed)
			if err != nil {
				c.r.Info("%v", err)
			}
			if quit {
				return nil
			}
			continue
		}
		c.send(ctx, line)
	}
}

func (c *repl) read(out io.Writer) (string, error) {
	var lines []string
	for {
		prompt := "> "
		if len(lines) > 0 {
			prompt = "... "
		}
		fmt.Fprint(out, prompt)
		line, err := c.in.ReadString('\n')
		if err != nil {
			if len(lines) == 0 || !errors.Is(err, io.EOF) {
				return "", err
			}
			return strings.Join(lines, "\n"), nil
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasSuffix(line, "\\") {
			lines = append(lines, strings.TrimSuffix(line, "\\"))
			continue
		}
		lines = append(lines, line)
		return strings.Join(lines, "\n"), nil
	}
}

func (c *repl) send(ctx context.Context, text string) {
	c.r.User(strings.TrimSpace(text))
	c.mu.Lock()
	opts := types.SendOptions{AgentMode: c.mode}
	c.mu.Unlock()

	turn, err := runTurn(ctx, c.app, c.current(), text, opts)
	if err != nil {
		c.r.Info("%v", err)
		return
	}
	if c.current() == "" {
		c.setSession(turn.SessionID())
		c.r.Info("session %s", turn.SessionID())
	}
	if turn.Outcome() == chat.OutcomeFailed {
		c.app.sender.DismissError(turn.SessionID())
	}
}

func (c *repl) open(ctx context.Context, id string) error {
	snap, err := c.app.sender.Open(ctx, id)
	if err != nil {
		return err
	}
	c.setSession(id)
	c.r.History(snap)
	if d := c.app.drafts.Load(ctx, id); d != "" {
		c.r.Info("draft: %s", d)
	}
	return nil
}

func (c *repl) command(ctx context.Context, out io.Writer, line string) (quit bool, err error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "exit", "quit":
		return true, nil
	case "help":
		fmt.Fprintln(out, helpText)
	case "new":
		c.setSession("")
		c.r.Info("the next message starts a new session")
	case "session":
		if arg == "" {
			return false, errors.New("usage: /session <id>")
		}
		return false, c.open(ctx, arg)
	case "mode":
		mode, err := types.ParseAgentMode(arg)
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		c.mode = mode
		c.mu.Unlock()
		c.r.Info("agent mode %s", mode)
	case "draft":
		return false, c.draft(ctx, arg)
	default:
		return false, fmt.Errorf("unknown command /%s, try /help", name)
	}
	return false, nil
}

func (c *repl) draft(ctx context.Context, arg string) error {
	id := c.current()
	if id == "" {
		return errors.New("drafts belong to a session; open or start one first")
	}
	switch arg {
	case "":
		if d := c.app.drafts.Load(ctx, id); d != "" {
			c.r.Info("draft: %s", d)
		} else {
			c.r.Info("no draft")
		}
	case "clear":
		c.app.drafts.Clear(ctx, id)
		c.r.Info("draft cleared")
	default:
		c.app.drafts.Save(ctx, id, arg)
		c.r.Info("draft saved")
	}
	return nil
}
