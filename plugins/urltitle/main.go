package main

import (
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/lilydjwg/xmpptalk/pkg/plugin"
)

// URLTitlePlugin appends the page title to messages carrying one link
type URLTitlePlugin struct {
	client *http.Client
}

// Name returns the plugin name
func (p *URLTitlePlugin) Name() string {
	return "urltitle"
}

// Version returns the plugin version
func (p *URLTitlePlugin) Version() string {
	return "1.0.0"
}

// Filter rewrites a message with exactly one link
func (p *URLTitlePlugin) Filter(req plugin.Request) (plugin.Response, error) {
	urls := extractURLs(req.Body)
	if len(urls) != 1 {
		return plugin.Response{}, nil
	}

	title := fetchTitle(p.client, urls[0])
	if title == "" {
		return plugin.Response{}, nil
	}
	return plugin.Response{Body: req.Body + "\n  ⇒ " + truncate(title, 100)}, nil
}

var (
	urlRegex   = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)
	titleRegex = regexp.MustCompile(`(?is)<title[^>]*>([^<]+)</title>`)
	spaceRegex = regexp.MustCompile(`\s+`)
)

// extractURLs extracts URLs from text
func extractURLs(text string) []string {
	return urlRegex.FindAllString(text, -1)
}

// fetchTitle fetches the og:title or <title> of a page
func fetchTitle(client *http.Client, url string) string {
	resp, err := client.Get(url)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*100)) // 100KB limit
	if err != nil {
		return ""
	}
	return extractTitle(string(body))
}

func extractTitle(page string) string {
	if title := extractMetaTag(page, "og:title"); title != "" {
		return html.UnescapeString(title)
	}
	matches := titleRegex.FindStringSubmatch(page)
	if len(matches) > 1 {
		return html.UnescapeString(strings.TrimSpace(spaceRegex.ReplaceAllString(matches[1], " ")))
	}
	return ""
}

// extractMetaTag extracts a meta tag value
func extractMetaTag(page, name string) string {
	patterns := []string{
		`<meta[^>]+property=["']` + name + `["'][^>]+content=["']([^"']+)["']`,
		`<meta[^>]+content=["']([^"']+)["'][^>]+property=["']` + name + `["']`,
	}

	for _, pattern := range patterns {
		re := regexp.MustCompile(pattern)
		matches := re.FindStringSubmatch(page)
		if len(matches) > 1 {
			return strings.TrimSpace(matches[1])
		}
	}

	return ""
}

// truncate truncates a string to max runes
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func main() {
	plugin.Serve(&URLTitlePlugin{
		client: &http.Client{Timeout: 2 * time.Second},
	})
}
