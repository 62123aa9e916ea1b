package bot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/lilydjwg/xmpptalk/internal/storage"
	"github.com/lilydjwg/xmpptalk/internal/textutil"
	"github.com/lilydjwg/xmpptalk/internal/xmpp/presence"
)

const maxLogLookup = 10000

func (b *Bot) defaultCommands() *Registry {
	nickDoc := "change your nick; show your current nick if no new nick provided"
	if b.cfg.NickChangeInterval > 0 {
		nickDoc += ". You can only change your nick once in " + textutil.FormatDuration(b.cfg.NickChangeInterval)
	}

	r := NewRegistry(b.cfg.Prefix)
	for _, cmd := range []*Command{
		{Name: "about", Doc: "about this software", Run: b.cmdAbout},
		{Name: "admins", Doc: "list the group administrators", Run: b.cmdAdmins},
		{Name: "dm", Doc: "send a direct message to someone; need two arguments; spaces in nick should be escaped or quote the nick", Brief: true, Run: b.cmdDM},
		{Name: "help", Doc: "display a brief help", Run: b.cmdHelp},
		{Name: "iam", Doc: "show information about yourself", Run: b.cmdIam},
		{Name: "longhelp", Doc: "display this detailed help", Run: b.cmdLongHelp},
		{Name: "nick", Doc: nickDoc, Brief: true, Run: b.cmdNick},
		{Name: "old", Doc: "show at most 50 history entries in an hour; if argument given, it specifies either the number of entries, the time period passed from now (format is same as `stop' command), `+' for what you missed, or `+HH:MM' for entries since then", Brief: true, Run: b.cmdOld},
		{Name: "online", Doc: "show online user list; if argument given, only nicks with the argument inbetween will be shown", Brief: true, Run: b.cmdOnline},
		{Name: "opendm", Doc: "show or set whether you accept direct messages: opendm [on|off]", Run: b.cmdOpenDM},
		{Name: "pm", Doc: "deprecated, use the \"dm\" command instead.", Run: b.cmdPM},
		{Name: "prevent", Doc: "list, add or remove people who may not send you direct messages: prevent [add|del nick]", Run: b.cmdPrevent},
		{Name: "quit", Doc: "quit the group; clients that cannot remove a contact need this", Brief: true, Run: b.cmdQuit},
		{Name: "say", Doc: "send the following text literally", Run: b.cmdSay},
		{Name: "stop", Doc: "stop receiving messages for some time; useful units: m, h, d. If you stop for 0 seconds, you wake up.", Brief: true, Run: b.cmdStop},
		{Name: "uptime", Doc: "show how long the bot has been running", Run: b.cmdUptime},
		{Name: "users", Doc: "show all members; if argument given, only nicks with the argument inbetween will be shown", Run: b.cmdUsers},
		{Name: "whois", Doc: "show information about others", Run: b.cmdWhois},

		{Name: "invite", Doc: "invite someone to join: invite address [-f]", Perm: storage.PermGroupAdmin, Run: b.cmdInvite},
		{Name: "kick", Doc: "kick out someone", Perm: storage.PermGroupAdmin, Run: b.cmdKick},
		{Name: "kickw", Doc: "kick out someone with specified message; the address is ignored until restart", Perm: storage.PermGroupAdmin, Run: b.cmdKickWith},
		{Name: "mute", Doc: "stop somebody from talking for the specified period of time; useful units: m, h, d", Perm: storage.PermGroupAdmin, Run: b.cmdMute},
		{Name: "setstatus", Doc: "get or set the talkbot's status message; use 'None' to clear", Perm: storage.PermGroupAdmin, Run: b.cmdSetStatus},
		{Name: "setwelcome", Doc: "get or set the group's welcome message; use 'None' to clear", Perm: storage.PermGroupAdmin, Run: b.cmdSetWelcome},

		{Name: "promote", Doc: "make someone a group admin", Perm: storage.PermSysAdmin, Run: b.cmdPromote},
		{Name: "demote", Doc: "take group admin privilege from someone", Perm: storage.PermSysAdmin, Run: b.cmdDemote},
		{Name: "restart", Doc: "restart the process", Perm: storage.PermSysAdmin, Run: b.cmdRestart},
		{Name: "shutdown", Doc: "shutdown the bot", Perm: storage.PermSysAdmin, Run: b.cmdShutdown},
	} {
		if err := r.Register(cmd); err != nil {
			panic(err)
		}
	}
	return r
}

// replyErr shows validation and policy errors to the sender and passes
// everything else up.
func replyErr(ctx context.Context, ev *Event, err error) error {
	if userFacing(err) {
		ev.Reply(ctx, "Error: "+err.Error())
		return nil
	}
	return err
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf(one, n)
	}
	return fmt.Sprintf(many, n)
}

func (b *Bot) cmdAbout(ctx context.Context, ev *Event, _ string) error {
	ev.Reply(ctx, fmt.Sprintf("xmpptalk is a groupchat bot using XMPP\nversion: %s\ntimezone: %s",
		Version, b.now().In(b.loc).Format("-0700")))
	return nil
}

func (b *Bot) cmdAdmins(ctx context.Context, ev *Event, _ string) error {
	users, err := b.repo.ListUsers(ctx)
	if err != nil {
		return err
	}
	var lines []string
	for _, u := range users {
		if u.Flags.Has(storage.PermGroupAdmin | storage.PermSysAdmin) {
			lines = append(lines, fmt.Sprintf("* %s (%s)", b.displayName(ctx, u.Address), u.Flags))
		}
	}
	sort.Strings(lines)
	ev.Reply(ctx, strings.Join(append([]string{"group admins"}, lines...), "\n"))
	return nil
}

func (b *Bot) cmdDM(ctx context.Context, ev *Event, args string) error {
	lex := textutil.NewLexer(args)
	nick := lex.Next()
	msg := lex.Rest()
	if nick == "" || msg == "" {
		ev.Reply(ctx, "arguments error: please give the user's nick and the message you want to send")
		return nil
	}

	target, ok, err := b.lookupNick(ctx, ev, nick)
	if !ok {
		return err
	}
	if target.Blocks(ev.Addr) {
		ev.Reply(ctx, fmt.Sprintf("Sorry, %s does not accept direct messages from you.", nick))
		return nil
	}
	b.sendTo(ctx, target.Address, fmt.Sprintf("_DM_ [%s] %s", b.displayName(ctx, ev.Addr), msg))
	return nil
}

func (b *Bot) cmdHelp(ctx context.Context, ev *Event, _ string) error {
	u, err := ev.User(ctx)
	if err != nil {
		return err
	}
	ev.Reply(ctx, b.commands.Help(u.Flags, false))
	return nil
}

func (b *Bot) cmdLongHelp(ctx context.Context, ev *Event, _ string) error {
	u, err := ev.User(ctx)
	if err != nil {
		return err
	}
	ev.Reply(ctx, b.commands.Help(u.Flags, true))
	return nil
}

func (b *Bot) cmdIam(ctx context.Context, ev *Event, _ string) error {
	u, err := ev.User(ctx)
	if err != nil {
		return err
	}
	ev.Reply(ctx, b.userInfo(ctx, u, true, true))
	return nil
}

func (b *Bot) cmdWhois(ctx context.Context, ev *Event, args string) error {
	me, err := ev.User(ctx)
	if err != nil {
		return err
	}
	u, ok, err := b.lookupNick(ctx, ev, strings.TrimSpace(args))
	if !ok {
		return err
	}
	ev.Reply(ctx, b.userInfo(ctx, u, me.Flags.Has(storage.PermGroupAdmin|storage.PermSysAdmin), false))
	return nil
}

func (b *Bot) cmdNick(ctx context.Context, ev *Event, args string) error {
	nick := strings.TrimSpace(args)
	if nick == "" {
		ev.Reply(ctx, "Your current nick is: "+b.displayName(ctx, ev.Addr))
		return nil
	}

	old, err := b.setNick(ctx, ev.Addr, nick, true)
	if err != nil {
		return replyErr(ctx, ev, err)
	}
	if err := b.transport.UpdateRoster(ctx, ev.From.Bare(), nick); err != nil {
		b.log.Warn().Err(err).Str("jid", ev.Addr).Msg("update roster name")
	}
	ev.Reply(ctx, fmt.Sprintf("Your nick name has changed to \"%s\"!", nick))

	if old != "" && old != nick {
		b.dispatch(ctx, ev.Addr, fmt.Sprintf("%s is now known as %s.", old, nick), storage.LogNick, ev.Addr)
	}
	return nil
}

func (b *Bot) cmdOld(ctx context.Context, ev *Event, args string) error {
	arg := strings.TrimSpace(args)
	now := b.now()

	limit, since := 50, now.Add(-time.Hour)
	if arg != "" {
		var ok bool
		limit, since, ok = b.parseOld(ctx, ev, arg, now)
		if !ok {
			ev.Reply(ctx, "can't understand your log lookup request")
			return nil
		}
	}

	var entries []storage.LogEntry
	if limit > 0 {
		var err error
		entries, err = b.repo.RecentLogs(ctx, limit, since)
		if err != nil {
			return err
		}
	}
	text := b.formatLogs(entries)
	if text == "" {
		ev.Reply(ctx, "No history entries match your criteria")
		return nil
	}
	ev.Reply(ctx, text)
	return nil
}

// parseOld understands a count, a duration, "+" (since last seen) and
// "+HH:MM" or "+MM-DD HH:MM".
func (b *Bot) parseOld(ctx context.Context, ev *Event, arg string, now time.Time) (int, time.Time, bool) {
	if n, err := strconv.Atoi(arg); err == nil {
		return n, time.Time{}, true
	}
	if d, err := textutil.ParseDuration(arg); err == nil {
		return maxLogLookup, now.Add(-d), true
	}
	if arg == "+" {
		u, err := ev.User(ctx)
		if err != nil || u.LastSeen.IsZero() {
			return 50, now.Add(-time.Hour), true
		}
		return maxLogLookup, u.LastSeen, true
	}
	if strings.HasPrefix(arg, "+") {
		if t, err := textutil.Since(arg, now, b.loc); err == nil {
			return maxLogLookup, t, true
		}
	}
	return 0, time.Time{}, false
}

func (b *Bot) logLimit() int {
	return maxLogLookup
}

// formatLogs renders entries one per line. Entries without a timestamp
// are skipped.
func (b *Bot) formatLogs(entries []storage.LogEntry) string {
	if len(entries) == 0 {
		return ""
	}
	layout := timeFormat
	if b.now().Sub(entries[0].Time) > 24*time.Hour {
		layout = dateFormat
	}

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Time.IsZero() {
			b.log.Warn().Int64("id", e.ID).Msg("malformed log entry skipped")
			continue
		}
		lines = append(lines, b.formatTime(e.Time, layout)+" "+e.Text)
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) cmdOnline(ctx context.Context, ev *Event, args string) error {
	filter := strings.TrimSpace(args)
	header := "online users list"
	if filter != "" {
		header += fmt.Sprintf(" (with \"%s\" inbetween)", filter)
	}

	now := b.now()
	var lines []string
	for _, addr := range b.presence.OnlineAddresses() {
		u, err := b.repo.FindUser(ctx, addr)
		if err != nil {
			continue
		}
		nick := b.displayName(ctx, addr)
		if filter != "" && !strings.Contains(nick, filter) {
			continue
		}

		line := "* " + nick
		if u.Muted(now) {
			line += " <muted>"
		}
		if u.Stopped(now) {
			line += " <stopped>"
		}
		if j, err := jid.Parse(addr); err == nil {
			if st := b.presence.Get(j); st != nil {
				if st.Show != presence.ShowOnline {
					line += fmt.Sprintf(" (%s)", presence.ShowToString(st.Show))
				}
				if s := strings.TrimSpace(st.Status); s != "" {
					line += fmt.Sprintf(" [%s]", s)
				}
			}
		}
		lines = append(lines, line)
	}
	sort.Strings(lines)

	out := append([]string{header}, lines...)
	out = append(out, plural(len(lines), "%d user listed", "%d users listed"))
	ev.Reply(ctx, strings.Join(out, "\n"))
	return nil
}

func (b *Bot) cmdUsers(ctx context.Context, ev *Event, args string) error {
	filter := strings.TrimSpace(args)
	header := "all users list"
	if filter != "" {
		header += fmt.Sprintf(" (with \"%s\" inbetween)", filter)
	}

	users, err := b.repo.ListUsers(ctx)
	if err != nil {
		return err
	}
	var lines []string
	for _, u := range users {
		nick := u.Nick
		if nick == "" {
			nick = b.hashName(u.Address)
		}
		if filter != "" && !strings.Contains(nick, filter) {
			continue
		}
		lines = append(lines, fmt.Sprintf("* %s (N=%d, C=%d)", nick, u.MsgCount, u.MsgChars))
	}

	out := append([]string{header}, lines...)
	out = append(out, plural(len(lines), "%d user listed", "%d users listed"))
	ev.Reply(ctx, strings.Join(out, "\n"))
	return nil
}

func (b *Bot) cmdOpenDM(ctx context.Context, ev *Event, args string) error {
	var allow bool
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "":
		u, err := ev.User(ctx)
		if err != nil {
			return err
		}
		ev.Reply(ctx, "Receive direct messages: "+yesNo(u.AllowDM))
		return nil
	case "on", "yes":
		allow = true
	case "off", "no":
		allow = false
	default:
		ev.Reply(ctx, fmt.Sprintf("Usage: %sopendm [on|off]", b.cfg.Prefix))
		return nil
	}

	if _, err := b.updateUser(ctx, ev.Addr, storage.UserUpdate{AllowDM: &allow}); err != nil {
		return err
	}
	ev.Reply(ctx, "ok.")
	return nil
}

func (b *Bot) cmdPM(ctx context.Context, ev *Event, _ string) error {
	ev.Reply(ctx, "This command is deprecated. Please use the \"dm\" command instead.")
	return nil
}

func (b *Bot) cmdPrevent(ctx context.Context, ev *Event, args string) error {
	lex := textutil.NewLexer(args)
	op := lex.Next()
	nick := lex.Rest()

	u, err := ev.User(ctx)
	if err != nil {
		return err
	}
	if op == "" {
		names := make([]string, 0, len(u.BlockedSenders))
		for _, addr := range u.BlockedSenders {
			names = append(names, b.displayName(ctx, addr))
		}
		ev.Reply(ctx, fmt.Sprintf("People who may not send you direct messages: [%s]", strings.Join(names, ", ")))
		return nil
	}
	if op != "add" && op != "del" {
		ev.Reply(ctx, fmt.Sprintf("Usage: %sprevent [add|del nick]", b.cfg.Prefix))
		return nil
	}

	target, ok, err := b.lookupNick(ctx, ev, nick)
	if !ok {
		return err
	}
	blocked := make([]string, 0, len(u.BlockedSenders)+1)
	for _, addr := range u.BlockedSenders {
		if addr != target.Address {
			blocked = append(blocked, addr)
		}
	}
	if op == "add" {
		blocked = append(blocked, target.Address)
	}
	if _, err := b.updateUser(ctx, ev.Addr, storage.UserUpdate{BlockedSenders: &blocked}); err != nil {
		return err
	}
	ev.Reply(ctx, "ok.")
	return nil
}

func (b *Bot) cmdQuit(ctx context.Context, ev *Event, _ string) error {
	u, err := ev.User(ctx)
	if err != nil {
		return err
	}
	ev.Reply(ctx, "See you!")
	if err := b.expel(ctx, u); err != nil {
		return err
	}
	b.announceLeave(ctx, u)
	return nil
}

func (b *Bot) cmdSay(ctx context.Context, ev *Event, args string) error {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	return b.relay(ctx, ev, args)
}

func (b *Bot) cmdStop(ctx context.Context, ev *Event, args string) error {
	arg := strings.TrimSpace(args)
	if arg == "" {
		ev.Reply(ctx, "How long will you stop receiving messages?")
		return nil
	}
	d, err := textutil.ParseDuration(arg)
	if err != nil {
		ev.Reply(ctx, "Sorry, I can't understand the time you specified.")
		return nil
	}

	u, err := ev.User(ctx)
	if err != nil {
		return err
	}
	now := b.now()
	if d == 0 {
		if !u.Stopped(now) {
			ev.Reply(ctx, "Not stopped yet.")
			return nil
		}
		if _, err := b.updateUser(ctx, ev.Addr, storage.UserUpdate{StopUntil: &now}); err != nil {
			return err
		}
		ev.Reply(ctx, "Ok, stop cancelled.")
		b.updateStatus(ctx, ev.Addr)
		return nil
	}

	until := now.Add(d)
	if _, err := b.updateUser(ctx, ev.Addr, storage.UserUpdate{StopUntil: &until}); err != nil {
		return err
	}
	ev.Reply(ctx, fmt.Sprintf("Ok, stop receiving messages until %s. You can change this by another `stop` command.",
		b.formatTime(until, longDateFormat)))
	b.updateStatus(ctx, ev.Addr)
	return nil
}

func (b *Bot) cmdUptime(ctx context.Context, ev *Event, _ string) error {
	up := b.now().Sub(b.startedAt).Truncate(time.Second)
	ev.Reply(ctx, fmt.Sprintf("up %s, since %s", textutil.FormatDuration(up), b.formatTime(b.startedAt, longDateFormat)))
	return nil
}

// userInfo renders a member profile for iam and whois
func (b *Bot) userInfo(ctx context.Context, u *storage.User, showAddress, showLastSeen bool) string {
	now := b.now()
	until := func(t time.Time) string {
		if t.After(now) {
			return b.formatTime(t, longDateFormat)
		}
		return "(None)"
	}
	blocked := make([]string, 0, len(u.BlockedSenders))
	for _, addr := range u.BlockedSenders {
		blocked = append(blocked, b.displayName(ctx, addr))
	}

	var sb strings.Builder
	if showAddress {
		fmt.Fprintf(&sb, "JID: %s\n", u.Address)
	}
	fmt.Fprintf(&sb, "Nick: %s\n", b.displayName(ctx, u.Address))
	fmt.Fprintf(&sb, "Nick changed %d time(s), last at %s\n", u.NickChanges, b.formatTime(u.NickChangedAt, longDateFormat))
	fmt.Fprintf(&sb, "%d message(s), %d characters in total.\n", u.MsgCount, u.MsgChars)
	fmt.Fprintf(&sb, "Stopped Until: %s\n", until(u.StopUntil))
	fmt.Fprintf(&sb, "Muted Until: %s\n", until(u.MuteUntil))
	fmt.Fprintf(&sb, "Joined At: %s\n", b.formatTime(u.JoinedAt, longDateFormat))
	fmt.Fprintf(&sb, "Receive PM: %s\n", yesNo(u.AllowDM))
	fmt.Fprintf(&sb, "Bad People: [%s]\n", strings.Join(blocked, ", "))
	fmt.Fprintf(&sb, "Privileges: %s", u.Flags)

	j, err := jid.Parse(u.Address)
	if err == nil {
		if resources := b.presence.Resources(j); len(resources) > 0 {
			fmt.Fprintf(&sb, "\nOnline Resources: [%s]", strings.Join(resources, ", "))
		} else {
			showLastSeen = true
		}
	}
	if showLastSeen {
		lastSeen := "(Never)"
		if !u.LastSeen.IsZero() {
			lastSeen = b.formatTime(u.LastSeen, longDateFormat)
		}
		fmt.Fprintf(&sb, "\nLast Online: %s", lastSeen)
	}
	return sb.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
