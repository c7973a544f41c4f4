package notesbot

import (
	"context"

	"github.com/Lilia2288/tg-notes-bot/bot"
	"github.com/Lilia2288/tg-notes-bot/bots/NotesBot/db"
	"github.com/Lilia2288/tg-notes-bot/bots/NotesBot/form"
	"github.com/Lilia2288/tg-notes-bot/bots/NotesBot/reminder"
	"github.com/Lilia2288/tg-notes-bot/bots/NotesBot/tgbot"

	tg "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const updateTimeout = 60

type NotesBot struct {
	store    db.Store
	tbot     *tgbot.TBot
	reminder *reminder.Manager
}

func (nb *NotesBot) Init(cfg *bot.Config, l *zap.SugaredLogger) (*bot.Context, error) {
	s, err := db.Open(context.Background(), cfg.StorePath, cfg.DBConnStr)
	if err != nil {
		l.Errorw("failed to open note store", "err", err)
		return nil, err
	}

	b, err := tg.NewBotAPI(cfg.TgToken)
	if err != nil {
		l.Errorw("failed to initialize Telegram Bot", "err", err)
		s.Close()
		return nil, errors.Wrap(err, "failed to initialize Telegram Bot")
	}

	b.Debug = false

	l.Infof("authorized on account %q", b.Self.UserName)

	nb.store = s
	nb.tbot = tgbot.NewTBot(b, s, form.NewMachine(s), l, cfg)
	nb.reminder = reminder.NewManager(s, nb.tbot, l.With("component", "reminder"), cfg.ReminderInterval, nil)

	return bot.NewContext(b, l), nil
}

func (nb *NotesBot) Run(ctx context.Context, bc *bot.Context) error {
	if bc == nil || bc.Bot == nil || nb.tbot == nil {
		return errors.New("bot isn't initialized")
	}

	g, ctx := errgroup.WithContext(ctx)

	// workers outlive the update loop only until it returns
	workersCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	g.Go(func() error {
		return nb.reminder.Run(ctx)
	})

	g.Go(func() error {
		uCfg := tg.NewUpdate(0)
		uCfg.Timeout = updateTimeout

		updates := bc.Bot.GetUpdatesChan(uCfg)
		for {
			select {
			case <-ctx.Done():
				bc.Bot.StopReceivingUpdates()
				return nil
			case u, ok := <-updates:
				if !ok {
					return nil
				}
				if u.Message == nil || u.Message.From == nil {
					continue
				}
				nb.tbot.Dispatch(workersCtx, bc.CloneWith(u.Message.From.ID), u.Message)
			}
		}
	})

	err := g.Wait()

	// handlers still in flight may touch the store
	stopWorkers()
	nb.tbot.Wait()
	if cErr := nb.store.Close(); cErr != nil {
		bc.Logger.Errorw("failed to close note store", "err", cErr)
	}

	return err
}

func init() {
	bot.Register("NotesBot", &NotesBot{})
}
