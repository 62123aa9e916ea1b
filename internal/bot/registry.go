package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lilydjwg/xmpptalk/internal/storage"
)

// CommandFunc runs a command with the text after its name
type CommandFunc func(ctx context.Context, ev *Event, args string) error

// Command is a registered command
type Command struct {
	Name string
	// Doc is the one line shown by help
	Doc  string
	Perm storage.Flags
	// Brief commands are listed by help, the rest only by longhelp
	Brief bool
	Run   CommandFunc
}

// Registry maps command names to commands
type Registry struct {
	prefix   string
	commands map[string]*Command
}

// NewRegistry creates an empty registry for the given command prefix
func NewRegistry(prefix string) *Registry {
	return &Registry{prefix: prefix, commands: make(map[string]*Command)}
}

// Register adds cmd. Names are unique.
func (r *Registry) Register(cmd *Command) error {
	if _, ok := r.commands[cmd.Name]; ok {
		return fmt.Errorf("duplicate command %s", cmd.Name)
	}
	if cmd.Perm == 0 {
		cmd.Perm = storage.PermMember
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// Lookup returns the command if flags permit it. Commands the caller may
// not use are indistinguishable from missing ones.
func (r *Registry) Lookup(name string, flags storage.Flags) (*Command, bool) {
	cmd, ok := r.commands[name]
	if !ok || !flags.Has(cmd.Perm) {
		return nil, false
	}
	return cmd, true
}

// Visible returns the commands flags permit, sorted by name
func (r *Registry) Visible(flags storage.Flags, briefOnly bool) []*Command {
	var out []*Command
	for _, cmd := range r.commands {
		if !flags.Has(cmd.Perm) || (briefOnly && !cmd.Brief) {
			continue
		}
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run executes name on behalf of the sender of ev
func (r *Registry) Run(ctx context.Context, ev *Event, name, args string) error {
	u, err := ev.User(ctx)
	if err != nil {
		return err
	}
	cmd, ok := r.Lookup(name, u.Flags)
	if !ok {
		ev.Reply(ctx, "No such command found.")
		return nil
	}
	ev.bot.log.Debug().Str("from", ev.Addr).Str("command", name).Msg("command")
	return cmd.Run(ctx, ev, args)
}

// Help renders the command list for flags
func (r *Registry) Help(flags storage.Flags, long bool) string {
	var sb strings.Builder
	if long {
		sb.WriteString("***detailed command help***")
	} else {
		sb.WriteString("***brief command help***")
	}
	for _, cmd := range r.Visible(flags, !long) {
		fmt.Fprintf(&sb, "\n%s%s:\t%s", r.prefix, cmd.Name, cmd.Doc)
	}
	if !long {
		fmt.Fprintf(&sb, "\nFor a detailed help, use \"%slonghelp\".", r.prefix)
	}
	return sb.String()
}
