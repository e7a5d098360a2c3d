package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telnet2/go-practice/agentstream/internal/mockserver"
)

var (
	mockAddr      string
	mockScenarios string
	mockDelay     int
)

var mockCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Start a scripted agent backend",
	Long: `Start a mock agent backend that plays YAML scenarios over SSE or NDJSON.
Without --scenarios a built-in script is used: any message gets a research
answer, and messages containing "fail", "drop connection", "unavailable" or
"garbage" exercise the failure modes.`,
	RunE: runMock,
}

func init() {
	mockCmd.Flags().StringVar(&mockAddr, "addr", "", "Address to listen on (default from config)")
	mockCmd.Flags().StringVar(&mockScenarios, "scenarios", "", "YAML scenario file")
	mockCmd.Flags().IntVar(&mockDelay, "delay", -1, "Override the delay between fragments in ms")
}

func runMock(cmd *cobra.Command, args []string) error {
	addr := loaded.Mock.Addr
	if mockAddr != "" {
		addr = mockAddr
	}
	path := loaded.Mock.Scenarios
	if mockScenarios != "" {
		path = mockScenarios
	}

	cfg := mockserver.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = mockserver.LoadConfig(path); err != nil {
			return err
		}
	}
	if mockDelay >= 0 {
		cfg.Settings.StepDelayMS = mockDelay
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return mockserver.New(cfg).ListenAndServe(ctx, addr, func(a net.Addr) {
		fmt.Fprintf(os.Stderr, "mock agent listening on http://%s\n", a)
	})
}
