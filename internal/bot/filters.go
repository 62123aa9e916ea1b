package bot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lilydjwg/xmpptalk/pkg/plugin"
)

// Filter is an external message filter, usually a plugin process
type Filter interface {
	Name() string
	Filter(ctx context.Context, req plugin.Request) (plugin.Response, error)
}

var autoreplies = map[string]bool{
	"This is an autoreply: I am currently not available. Please leave your message, and I will get back to you as soon as possible.": true,
	"你好，我现在有事情不在，一会再和您联系": true,
	"A music messaging session has been requested. Please click the MM icon to accept.": true,
	"请求了音乐信使会话。请单击 MM 图标接受。": true,
	"<ding>": true,
	"我已通过IM+登录在我的iPad。现在IM+已关闭，我会在IM+下次启动时看到你的消息。": true,
}

// silent autoreplies are dropped without a word
var silentAutoreplies = []func(string) bool{
	func(s string) bool {
		return strings.HasPrefix(s, "I'm currently away and will reply as soon as I return to eBuddy on my ")
	},
}

var (
	reLink   = regexp.MustCompile(` <https?://[^>]+>`)
	reLinkJS = regexp.MustCompile(` <javascript:[^>]+>`)
)

func (b *Bot) clearCache(ctx context.Context, ev *Event, text string) (string, bool, error) {
	if text != "cache_clear" {
		return text, false, nil
	}
	b.nicks = newNickMemo(b.nicks.size)
	b.session.reset()
	ev.Reply(ctx, "ok.")
	return "", true, nil
}

func (b *Bot) filterOTR(ctx context.Context, ev *Event, text string) (string, bool, error) {
	if !strings.HasPrefix(text, "?OTR") {
		return text, false, nil
	}
	ev.Reply(ctx, "Your client is trying OTR encryption, which is not supported by this group.")
	return "", true, nil
}

func (b *Bot) filterAutoreply(ctx context.Context, ev *Event, text string) (string, bool, error) {
	if autoreplies[text] {
		ev.Reply(ctx, "Please do not set an autoreply or any other automatically sent message.")
		return "", true, nil
	}
	for _, match := range silentAutoreplies {
		if match(text) {
			return "", true, nil
		}
	}
	return text, false, nil
}

// removeLinks drops the link lists some clients append when pasting rich
// text. A single link is kept; imgur images never count.
func (b *Bot) removeLinks(_ context.Context, _ *Event, text string) (string, bool, error) {
	return stripLinks(text), false, nil
}

func stripLinks(text string) string {
	isImage := func(link string) bool {
		return strings.HasPrefix(link, " <http://i.imgur.com/") || strings.HasPrefix(link, " <https://i.imgur.com/")
	}

	n := 0
	for _, link := range reLink.FindAllString(text, -1) {
		if !isImage(link) {
			n++
		}
	}
	if n != 1 {
		text = reLink.ReplaceAllStringFunc(text, func(link string) string {
			if isImage(link) {
				return link
			}
			return ""
		})
	}
	return reLinkJS.ReplaceAllString(text, "")
}

func (b *Bot) checkLength(ctx context.Context, ev *Event, text string) (string, bool, error) {
	tooLong := b.cfg.MaxMessageLength > 0 && utf8.RuneCountInString(text) > b.cfg.MaxMessageLength
	tooMany := b.cfg.MaxMessageLines > 0 && strings.Count(text, "\n")+1 > b.cfg.MaxMessageLines
	if !tooLong && !tooMany {
		return text, false, nil
	}
	ev.Reply(ctx, fmt.Sprintf("Message too long (limits are %d characters and %d lines); please use a paste site for long text.",
		b.cfg.MaxMessageLength, b.cfg.MaxMessageLines))
	return "", true, nil
}

// pluginStage adapts an external filter into the pipeline. Plugin
// failures are logged and the message passes through unchanged.
func (b *Bot) pluginStage(f Filter) func(context.Context, *Event, string) (string, bool, error) {
	return func(ctx context.Context, ev *Event, text string) (string, bool, error) {
		resp, err := f.Filter(ctx, plugin.Request{
			From: ev.Addr,
			Nick: b.displayName(ctx, ev.Addr),
			Body: text,
		})
		if err != nil {
			b.log.Warn().Err(err).Str("plugin", f.Name()).Msg("filter failed")
			return text, false, nil
		}
		if resp.Reply != "" {
			ev.Reply(ctx, resp.Reply)
		}
		if resp.Consumed {
			return "", true, nil
		}
		if resp.Body != "" {
			text = resp.Body
		}
		return text, false, nil
	}
}
