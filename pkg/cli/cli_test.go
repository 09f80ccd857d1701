package cli

import (
	"flag"
	"testing"
)

func TestMapValue(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var creds map[string]string
	fsMapVar(fs, &creds, "creds", nil, "")
	if err := fs.Parse([]string{"-creds", "profe:secret,admin:a:b"}); err != nil {
		t.Fatal(err)
	}
	if creds["profe"] != "secret" || creds["admin"] != "a:b" {
		t.Errorf("creds = %v", creds)
	}
	if err := fs.Set("creds", "broken"); err == nil {
		t.Error("expected error for entry without separator")
	}
}

func TestSubcommands(t *testing.T) {
	cmd := New("v", "c", "d")
	got := map[string]bool{}
	for _, sub := range cmd.Subcommands {
		got[sub.Name] = true
	}
	for _, name := range []string{"version", "migrate", "archive", "reference", "generate", "serve"} {
		if !got[name] {
			t.Errorf("missing subcommand %s", name)
		}
	}
}
