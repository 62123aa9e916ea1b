package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lilydjwg/xmpptalk/pkg/plugin"
)

// AutoReplyPlugin answers connectivity tests and "anyone here?" so they
// do not reach the whole group
type AutoReplyPlugin struct {
	prefix string
}

// Name returns the plugin name
func (p *AutoReplyPlugin) Name() string {
	return "autoreply"
}

// Version returns the plugin version
func (p *AutoReplyPlugin) Version() string {
	return "1.0.0"
}

var reAnyone = regexp.MustCompile(`^有人在?吗.{0,3}`)

// Filter consumes test messages with a canned reply
func (p *AutoReplyPlugin) Filter(req plugin.Request) (plugin.Response, error) {
	msg := strings.TrimSpace(req.Body)
	switch {
	case msg == "test" || msg == "测试":
		return plugin.Response{Consumed: true, Reply: msg + " ok."}, nil
	case utf8.RuneCountInString(msg) < 8 && reAnyone.MatchString(msg):
		return plugin.Response{Consumed: true, Reply: fmt.Sprintf("查看在线用户请使用 %sonline 命令。", p.prefix)}, nil
	}
	return plugin.Response{}, nil
}

func main() {
	prefix := os.Getenv("XMPPTALK_GROUP_PREFIX")
	if prefix == "" {
		prefix = "-"
	}
	plugin.Serve(&AutoReplyPlugin{prefix: prefix})
}
