package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/telnet2/go-practice/agentstream/internal/chat"
	"github.com/telnet2/go-practice/agentstream/internal/config"
	"github.com/telnet2/go-practice/agentstream/internal/draft"
	"github.com/telnet2/go-practice/agentstream/internal/event"
	"github.com/telnet2/go-practice/agentstream/internal/protocol"
	"github.com/telnet2/go-practice/agentstream/internal/reconcile"
	"github.com/telnet2/go-practice/agentstream/internal/session"
	"github.com/telnet2/go-practice/agentstream/internal/storage"
	"github.com/telnet2/go-practice/agentstream/internal/stream"
)

// app wires the client components for one process.
type app struct {
	cfg      *config.Config
	bus      *event.Bus
	sessions *session.Client
	streams  *stream.Controller
	messages *reconcile.Store
	drafts   *draft.Store
	sender   *chat.Sender
}

func newApp(cfg *config.Config) *app {
	bus := event.NewBus()
	sessions := session.NewClient(cfg.Server.URL, cfg.Server.APIKey)
	decoder := protocol.NewDecoder(protocol.Options{MaxConsecutiveFailures: cfg.Stream.MaxMalformedFragments})
	streams := stream.NewController(
		stream.NewHTTPTransport(cfg.Server.URL, cfg.Server.APIKey),
		stream.WithDecoder(decoder),
	)
	messages := reconcile.NewStore(bus)

	var kv draft.KV
	if !cfg.Drafts.Disabled {
		kv = storage.New(cfg.DraftDir())
	}
	drafts := draft.New(kv, bus)

	return &app{
		cfg:      cfg,
		bus:      bus,
		sessions: sessions,
		streams:  streams,
		messages: messages,
		drafts:   drafts,
		sender: chat.NewSender(sessions, messages, streams, drafts,
			chat.WithBus(bus),
			chat.WithSourceResolver(sessions),
		),
	}
}

// tapEvents prints every bus event as one JSON line on stderr until ctx ends.
func (a *app) tapEvents(ctx context.Context) error {
	ch, err := a.bus.Tap(ctx)
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch {
			printTapped(msg)
			msg.Ack()
		}
	}()
	return nil
}

func printTapped(msg *message.Message) {
	fmt.Fprintf(os.Stderr, "[event %s #%s] %s\n", msg.Metadata.Get(event.MetaType), msg.Metadata.Get(event.MetaSeq), msg.Payload)
}

func (a *app) Close() error {
	return a.bus.Close()
}
