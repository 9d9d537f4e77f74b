package slack

import (
	"fmt"
	"os"
	"strings"
)

// Tokens is one profile's resolved credential pair.
type Tokens struct {
	Bot string // xoxb-, Web API
	App string // xapp-, socket mode
}

// envKeyFor uppercases a profile id into an env var suffix.
func envKeyFor(profileID string) string {
	s := strings.ToUpper(profileID)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

// ResolveTokens resolves credentials for every slack profile. Per-profile
// variables (SLACK_BOT_TOKEN_<PROFILE>, SLACK_APP_TOKEN_<PROFILE>) take
// precedence; the bare SLACK_BOT_TOKEN / SLACK_APP_TOKEN pair is accepted
// only when a single profile exists. Two profiles resolving to the same bot
// token is a configuration error: Slack would deliver each event twice.
func ResolveTokens(profileIDs []string) (map[string]Tokens, error) {
	out := make(map[string]Tokens, len(profileIDs))
	for _, id := range profileIDs {
		suffix := envKeyFor(id)
		t := Tokens{
			Bot: os.Getenv("SLACK_BOT_TOKEN_" + suffix),
			App: os.Getenv("SLACK_APP_TOKEN_" + suffix),
		}
		if t.Bot == "" && len(profileIDs) == 1 {
			t.Bot = os.Getenv("SLACK_BOT_TOKEN")
		}
		if t.App == "" && len(profileIDs) == 1 {
			t.App = os.Getenv("SLACK_APP_TOKEN")
		}
		if t.Bot == "" {
			return nil, fmt.Errorf("slack profile %q: no bot token (set SLACK_BOT_TOKEN_%s)", id, suffix)
		}
		if t.App == "" {
			return nil, fmt.Errorf("slack profile %q: no app token (set SLACK_APP_TOKEN_%s)", id, suffix)
		}
		out[id] = t
	}
	seen := make(map[string]string, len(out))
	for id, t := range out {
		if other, dup := seen[t.Bot]; dup {
			return nil, fmt.Errorf("slack profiles %q and %q share a bot token", other, id)
		}
		seen[t.Bot] = id
	}
	return out, nil
}
