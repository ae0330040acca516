// Package telegram adapts the bot to the Telegram Bot API via telebot.
//
// Outbound it implements transport.Sender; inbound it owns the long-poll
// loop and the /start and /stop subscription commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "kaktusbot/internal/runtime/supervisor"
	"kaktusbot/internal/storage"
	"kaktusbot/internal/transport"
	logx "kaktusbot/pkg/logx"
)

const (
	msgWelcome = "🌵 Vítejte u Kaktus notifikačního botu!\n\n" +
		"Budete dostávat oznámení o nových akcích na T-Mobile Kaktus.\n" +
		"Pro ukončení odběru použijte /stop"
	msgAlreadySubscribed = "🌵 Jste již přihlášeni k odběru oznámení!\n\n" +
		"Pro ukončení odběru použijte /stop"
	msgGoodbye = "👋 Odběr oznámení byl ukončen.\n\n" +
		"Pro obnovení odběru použijte /start"
)

// Registry is the subscriber state the command handlers mutate.
type Registry interface {
	Subscribe(ctx context.Context, id int64, displayName string) (bool, error)
	Deactivate(ctx context.Context, id int64) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	reg Registry

	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, reg Registry, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, reg: reg, bot: b}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle("/start", func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil {
			return nil
		}
		var name string
		if s := c.Sender(); s != nil {
			name = s.Username
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		created, err := a.reg.Subscribe(ctx, chat.ID, name)
		if err != nil {
			a.log.Error("subscribe failed", logx.Int64("chat_id", chat.ID), logx.Err(err))
			return err
		}
		_ = a.reg.AppendAudit(ctx, storage.AuditEntry{
			SubscriberID: chat.ID, Action: "subscribe", Detail: "command",
		})
		a.log.Info("subscriber started", logx.Int64("chat_id", chat.ID), logx.Bool("new", created))

		if created {
			return c.Send(msgWelcome)
		}
		return c.Send(msgAlreadySubscribed)
	})

	a.bot.Handle("/stop", func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := a.reg.Deactivate(ctx, chat.ID); err != nil {
			a.log.Error("unsubscribe failed", logx.Int64("chat_id", chat.ID), logx.Err(err))
			return err
		}
		_ = a.reg.AppendAudit(ctx, storage.AuditEntry{
			SubscriberID: chat.ID, Action: "unsubscribe", Detail: "command",
		})
		a.log.Info("subscriber stopped", logx.Int64("chat_id", chat.ID))
		return c.Send(msgGoodbye)
	})
}

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Ensure telebot unwinds when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
		if err := c.Err(); err != nil {
			return err
		}
		return errors.New("polling loop exited unexpectedly")
	}, 500*time.Millisecond, 10*time.Second)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}
	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if sup != nil {
		if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("telegram stop error", logx.Err(err))
		}
	}
	return nil
}

const telegramTextLimit = 4000

// SendText delivers one plain-text message, splitting it when it exceeds
// Telegram's message size limit. Errors are mapped to the transport
// taxonomy so the dispatcher can tell permanent from transient failures.
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		if _, err := a.bot.Send(chat, chunk); err != nil {
			return classify(err)
		}
	}
	return nil
}

// classify maps telebot errors onto the transport taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrChatNotFound) {
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.TooManyRequestsError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	return err
}

// splitText splits long messages into chunks that are safe to send to
// Telegram, preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window,
		// but avoid extremely small chunks.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
