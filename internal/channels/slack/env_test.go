package slack

import (
	"strings"
	"testing"
)

func TestEnvKeyFor(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"team-a", "TEAM_A"},
		{"ops", "OPS"},
		{"Team.42", "TEAM_42"},
	}
	for _, tt := range tests {
		if got := envKeyFor(tt.in); got != tt.want {
			t.Errorf("envKeyFor(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveTokens_PerProfile(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN_TEAM_A", "xoxb-a")
	t.Setenv("SLACK_APP_TOKEN_TEAM_A", "xapp-a")
	t.Setenv("SLACK_BOT_TOKEN_TEAM_B", "xoxb-b")
	t.Setenv("SLACK_APP_TOKEN_TEAM_B", "xapp-b")

	tokens, err := ResolveTokens([]string{"team-a", "team-b"})
	if err != nil {
		t.Fatal(err)
	}
	if tokens["team-a"].Bot != "xoxb-a" || tokens["team-b"].App != "xapp-b" {
		t.Errorf("tokens = %+v", tokens)
	}
}

func TestResolveTokens_BareFallbackSingleProfileOnly(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-bare")
	t.Setenv("SLACK_APP_TOKEN", "xapp-bare")

	tokens, err := ResolveTokens([]string{"only"})
	if err != nil {
		t.Fatal(err)
	}
	if tokens["only"].Bot != "xoxb-bare" || tokens["only"].App != "xapp-bare" {
		t.Errorf("tokens = %+v", tokens)
	}

	// With two profiles the bare pair is ambiguous and must not apply.
	if _, err := ResolveTokens([]string{"one", "two"}); err == nil {
		t.Error("bare tokens accepted for multiple profiles")
	}
}

func TestResolveTokens_MissingToken(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN_OPS", "xoxb-ops")
	_, err := ResolveTokens([]string{"ops"})
	if err == nil || !strings.Contains(err.Error(), "no app token") {
		t.Errorf("err = %v, want missing app token", err)
	}
}

func TestResolveTokens_DuplicateBotToken(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN_TEAM_A", "xoxb-shared")
	t.Setenv("SLACK_APP_TOKEN_TEAM_A", "xapp-a")
	t.Setenv("SLACK_BOT_TOKEN_TEAM_B", "xoxb-shared")
	t.Setenv("SLACK_APP_TOKEN_TEAM_B", "xapp-b")

	_, err := ResolveTokens([]string{"team-a", "team-b"})
	if err == nil || !strings.Contains(err.Error(), "share a bot token") {
		t.Errorf("err = %v, want duplicate bot token rejection", err)
	}
}
