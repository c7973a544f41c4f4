package tgbot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Lilia2288/tg-notes-bot/bot"
	"github.com/Lilia2288/tg-notes-bot/bots/NotesBot/db"
	"github.com/Lilia2288/tg-notes-bot/bots/NotesBot/form"

	tg "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	numAssumedAvgNote = 100
	userQueueSize     = 64
)

const (
	txtWelcomeMessage = "Hi! I keep your notes and remind you about each of them once its time comes.\n/new - create a note\n/notes - show all your notes"
	txtHelpMessage    = `I write down your notes and send you a reminder when it's time. You can use these commands:
/new - to create a new note; I'll ask for a title, a description and the time to remind
/notes - to see all your notes
/start - to drop whatever you were typing and start over
/help - to see this message`
	txtUnknownCommand         = "I don't know this command. Use /help to list commands I know"
	txtUseNewCommand          = "If you want to create a note, send /new"
	txtAskTitle               = "Send me the title of the note"
	txtAskDescription         = "Now send me the description of the note"
	txtAskTime                = "When should I remind you? Send the date and time in the format YYYY-MM-DD HH:MM (for example 2025-03-29 17:30)"
	txtBadTime                = "That doesn't look like a valid time. Try again: YYYY-MM-DD HH:MM"
	txtFailedSaveNote         = "I failed to save the note. Please send the time again"
	txtFailedFetchNotes       = "I'm sorry, I couldn't fetch the list of notes"
	txtNoNotes                = "You don't have any notes yet. Send /new to create one"
	txtPending                = "🔔"
	txtNotified               = "✅"
	txtDoNotUnderstandMessage = "E-mm, I expected some text here"

	fmtNoteSaved = "Note saved ✅ I'll remind you at %s"
	fmtNote      = "📌 <b>%s</b>\n📝 %s\n⏰ %s %s"
	fmtReminder  = "🔔 Reminder: <b>%s</b>\n%s"
)

var (
	keyboardMain = func() tg.ReplyKeyboardMarkup {
		kb := tg.NewReplyKeyboard(tg.NewKeyboardButtonRow(tg.NewKeyboardButton("/new"), tg.NewKeyboardButton("/notes")))
		kb.ResizeKeyboard = true
		return kb
	}()
)

const (
	cmdStart = "start"
	cmdNew   = "new"
	cmdNotes = "notes"
	cmdHelp  = "help"
)

// requester is the part of *tg.BotAPI used for sending
type requester interface {
	Request(c tg.Chattable) (*tg.APIResponse, error)
}

// Lister gives access to notes of a user.
type Lister interface {
	List(ctx context.Context, usr int64) ([]db.Note, error)
}

type update struct {
	msg    *tg.Message
	logger *zap.SugaredLogger
}

type TBot struct {
	Bot           requester
	Notes         Lister
	Form          *form.Machine
	Logger        *zap.SugaredLogger
	RetryAttempts int
	RetryDelay    time.Duration

	queuesMu sync.Mutex
	queues   map[int64]chan update
	workers  sync.WaitGroup
}

func NewTBot(b requester, notes Lister, fm *form.Machine, l *zap.SugaredLogger, cfg *bot.Config) *TBot {
	return &TBot{
		Bot:           b,
		Notes:         notes,
		Form:          fm,
		Logger:        l,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
		queues:        make(map[int64]chan update),
	}
}

// Dispatch queues the message for handling. Messages of one user are handled
// one by one in the order they came; different users are handled
// concurrently. Dispatch never blocks: a message for a user whose queue is
// full is dropped.
func (b *TBot) Dispatch(ctx context.Context, bc *bot.Context, msg *tg.Message) {
	if msg.From == nil {
		return
	}
	usr := msg.From.ID

	b.queuesMu.Lock()
	q, ok := b.queues[usr]
	if !ok {
		q = make(chan update, userQueueSize)
		b.queues[usr] = q
		b.workers.Add(1)
		go b.serve(ctx, q)
	}
	b.queuesMu.Unlock()

	select {
	case q <- update{msg: msg, logger: bc.Logger}:
	default:
		bc.Logger.Warnw("too many pending messages; message dropped", "msg", msg.MessageID)
	}
}

// Wait blocks until every worker has stopped. Workers stop once the context
// given to Dispatch is cancelled and their current message is handled.
func (b *TBot) Wait() {
	b.workers.Wait()
}

// Queues live as long as the bot does: a user's worker can't be retired
// without racing with a Dispatch that already picked its channel.
func (b *TBot) serve(ctx context.Context, q <-chan update) {
	defer b.workers.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-q:
			if u.msg.IsCommand() {
				b.HandleCommand(ctx, u.logger, u.msg)
			} else {
				b.HandleMessage(ctx, u.logger, u.msg)
			}
		}
	}
}

func (b *TBot) HandleCommand(ctx context.Context, l *zap.SugaredLogger, msg *tg.Message) {
	usr := msg.From.ID

	switch msg.Command() {
	case cmdStart:
		b.Form.Start(usr)
		l.Info("user has started the bot")
		b.SendMessage(ctx, usr, txtWelcomeMessage, -1, keyboardMain)

	case cmdNew:
		b.reply(ctx, l, usr, msg.MessageID, b.Form.New(usr))

	case cmdNotes:
		b.sendNotes(ctx, l, usr, msg.MessageID)

	case cmdHelp:
		b.SendMessage(ctx, usr, txtHelpMessage, -1, nil)

	default:
		b.SendMessage(ctx, usr, txtUnknownCommand, msg.MessageID, nil)
	}
}

func (b *TBot) HandleMessage(ctx context.Context, l *zap.SugaredLogger, msg *tg.Message) {
	usr := msg.From.ID

	txt := msg.Text
	if txt == "" {
		txt = msg.Caption
	}

	if txt == "" && !b.Form.Active(usr) {
		b.SendMessage(ctx, usr, txtDoNotUnderstandMessage, msg.MessageID, nil)
		return
	}

	r, err := b.Form.Handle(ctx, usr, txt)
	if err != nil {
		l.Errorw("failed saving note", "err", err)
		b.SendMessage(ctx, usr, txtFailedSaveNote, msg.MessageID, nil)
		return
	}

	b.reply(ctx, l, usr, msg.MessageID, r)
}

// reply answers the user according to the outcome of the form
func (b *TBot) reply(ctx context.Context, l *zap.SugaredLogger, usr int64, replyTo int, r form.Result) {
	switch r.Outcome {
	case form.OutcomeIgnored:
		b.SendMessage(ctx, usr, txtUseNewCommand, replyTo, nil)

	case form.OutcomeAskTitle:
		b.SendMessage(ctx, usr, txtAskTitle, -1, nil)

	case form.OutcomeAskDescription:
		b.SendMessage(ctx, usr, txtAskDescription, -1, nil)

	case form.OutcomeAskTime:
		b.SendMessage(ctx, usr, txtAskTime, -1, nil)

	case form.OutcomeBadTime:
		b.SendMessage(ctx, usr, txtBadTime, replyTo, nil)

	case form.OutcomeSaved:
		l.Infow("note saved", "note", r.Note.ID)
		txt := fmt.Sprintf(fmtNoteSaved, db.FormatRemindAt(r.Note.RemindAt))
		b.SendMessage(ctx, usr, txt, -1, keyboardMain)
	}
}

func (b *TBot) sendNotes(ctx context.Context, l *zap.SugaredLogger, usr int64, replyTo int) {
	notes, err := b.Notes.List(ctx, usr)
	if err != nil {
		l.Errorw("failed listing notes", "err", err)
		b.SendMessage(ctx, usr, txtFailedFetchNotes, replyTo, nil)
		return
	}

	if len(notes) == 0 {
		b.SendMessage(ctx, usr, txtNoNotes, -1, nil)
		return
	}

	b.SendMessage(ctx, usr, formatNotes(notes), -1, nil)
}

// SendReminder delivers the reminder about the note. It's called by the
// reminder manager.
func (b *TBot) SendReminder(ctx context.Context, usr int64, n db.Note) error {
	txt := fmt.Sprintf(fmtReminder, escape(n.Title), escape(n.Description))
	return b.SendMessage(ctx, usr, txt, -1, nil)
}

// SendMessage sends HTML formatted text. kbMarkup may be nil or any keyboard
// Telegram accepts as reply markup.
func (b *TBot) SendMessage(ctx context.Context, usr int64, txt string, replyTo int, kbMarkup any) error {
	m := tg.NewMessage(usr, txt)
	if replyTo >= 0 {
		m.ReplyToMessageID = replyTo
	}
	m.ParseMode = tg.ModeHTML
	m.DisableWebPagePreview = true
	if kbMarkup != nil {
		m.BaseChat.ReplyMarkup = kbMarkup
	}

	var err error
	bot.RobustExecute(ctx, b.RetryAttempts, b.RetryDelay, func() bool {
		_, err = b.Bot.Request(m)
		return err == nil
	})
	if err != nil {
		b.Logger.Errorw("failed sending message", "usr", usr, "err", err)
	}
	return err
}

func formatNotes(notes []db.Note) string {
	var sb strings.Builder
	sb.Grow(numAssumedAvgNote * len(notes))

	for i, n := range notes {
		if i > 0 {
			sb.WriteString("\n\n")
		}

		state := txtPending
		if n.Notified {
			state = txtNotified
		}
		sb.WriteString(fmt.Sprintf(fmtNote, escape(n.Title), escape(n.Description), db.FormatRemindAt(n.RemindAt), state))
	}

	return sb.String()
}

func escape(txt string) string {
	return tg.EscapeText(tg.ModeHTML, txt)
}
