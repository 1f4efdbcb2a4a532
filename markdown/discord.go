package markdown

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	customEmojiRegex = regexp.MustCompile(`<a?:(\w+):\d+>`)
	timestampRegex   = regexp.MustCompile(`<t:(-?\d+)(?::[tTdDfFR])?>`)
	spoilerRegex     = regexp.MustCompile(`\|\|(.+?)\|\|`)
	underlineRegex   = regexp.MustCompile(`__([^_\n]+?)__`)
	roleMentionRegex = regexp.MustCompile(`<@&\d+>`)
	subtextRegex     = regexp.MustCompile(`(?m)^-# (.*)$`)
)

// FromDiscord converts the text of a Discord message to GitHub markdown.
// Mentions should already be replaced with names
// (see discordgo's ContentWithMentionsReplaced).
func FromDiscord(src string) string {
	s := customEmojiRegex.ReplaceAllString(src, ":$1:")
	s = roleMentionRegex.ReplaceAllString(s, "@role")
	s = timestampRegex.ReplaceAllStringFunc(s, func(m string) string {
		sub := timestampRegex.FindStringSubmatch(m)
		secs, err := strconv.ParseInt(sub[1], 10, 64)
		if err != nil {
			return m
		}
		return time.Unix(secs, 0).UTC().Format("2006-01-02 15:04 UTC")
	})
	s = spoilerRegex.ReplaceAllString(s, "<details><summary>Spoiler</summary>$1</details>")
	s = underlineRegex.ReplaceAllString(s, "<ins>$1</ins>")
	s = subtextRegex.ReplaceAllString(s, "<sub>$1</sub>")
	return strings.TrimSpace(s)
}
