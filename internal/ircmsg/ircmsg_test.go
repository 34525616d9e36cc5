package ircmsg

import "testing"

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []string{
		"JOIN #test",
		"PRIVMSG #test :hello world",
		"NICK newnick",
		"MODE #test +o somebody",
		"PRIVMSG somebody :a message with :colons: inside",
	}
	for _, line := range cases {
		l := Parse(line)
		got := Format(l)
		if got != line {
			t.Errorf("round trip: Parse(%q) -> Format = %q, want %q", line, got, line)
		}
	}
}

func TestParseEmptyLine(t *testing.T) {
	l := Parse("")
	if l.Command != "" {
		t.Errorf("Parse(\"\").Command = %q, want empty", l.Command)
	}
}

func TestParseUppercasesCommand(t *testing.T) {
	l := Parse("join #test")
	if l.Command != "JOIN" {
		t.Errorf("Command = %q, want JOIN", l.Command)
	}
}

func TestParseTrailingStartsAtFirstSpaceColon(t *testing.T) {
	l := Parse("PRIVMSG #test :hi :) there")
	if l.Trailing != "hi :) there" {
		t.Errorf("Trailing = %q, want %q", l.Trailing, "hi :) there")
	}
	if len(l.Params) != 1 || l.Params[0] != "#test" {
		t.Errorf("Params = %v, want [#test]", l.Params)
	}
}

func TestActionWrapUnwrapRoundTrip(t *testing.T) {
	body := "waves hello"
	wrapped := ActionWrap(body)
	got, ok := ActionUnwrap(wrapped)
	if !ok {
		t.Fatalf("ActionUnwrap(%q) ok = false, want true", wrapped)
	}
	if got != body {
		t.Errorf("ActionUnwrap round trip = %q, want %q", got, body)
	}
}

func TestActionUnwrapRejectsPlainText(t *testing.T) {
	_, ok := ActionUnwrap("just a normal message")
	if ok {
		t.Error("ActionUnwrap accepted plain text")
	}
}

func TestIsSlashMe(t *testing.T) {
	rest, ok := IsSlashMe("/me waves")
	if !ok || rest != "waves" {
		t.Errorf("IsSlashMe(/me waves) = %q, %v, want %q, true", rest, ok, "waves")
	}
	if _, ok := IsSlashMe("hello there"); ok {
		t.Error("IsSlashMe matched a non-/me message")
	}
}

func TestStripChannelShortMode(t *testing.T) {
	got := StripChannel("#test", true, "conference.example.org")
	want := "test@conference.example.org"
	if got != want {
		t.Errorf("StripChannel = %q, want %q", got, want)
	}
}

func TestStripChannelFullMode(t *testing.T) {
	got := StripChannel("#test@conference.example.org", false, "conference.example.org")
	want := "test@conference.example.org"
	if got != want {
		t.Errorf("StripChannel = %q, want %q", got, want)
	}
}

func TestHostPercentEncodesEachPart(t *testing.T) {
	got := Host("a b", "example.org", "my nick")
	want := "a%20b@example.org/my%20nick"
	if got != want {
		t.Errorf("Host = %q, want %q", got, want)
	}
}
