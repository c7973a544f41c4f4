package bot

import (
	tg "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Bot context keeps references to common (Telegram Bot API, logger) parameters
// of a bot.
type Context struct {
	Bot    *tg.BotAPI
	Logger *zap.SugaredLogger
}

// NewContext creates new context. Make sure pointers are not nil.
func NewContext(bot *tg.BotAPI, logger *zap.SugaredLogger) *Context {
	return &Context{
		Bot:    bot,
		Logger: logger,
	}
}

// CloneWith returns a copy of the context whose logger is bound to the user.
func (ctx *Context) CloneWith(usr int64) *Context {
	return &Context{
		Bot:    ctx.Bot,
		Logger: ctx.Logger.With("usr", usr),
	}
}
