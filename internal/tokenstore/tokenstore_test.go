package tokenstore

import (
	"sort"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := Store{Dir: t.TempDir(), Prefix: GooglePrefix}
	tok := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer", Expiry: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}

	if err := s.Save("work", tok); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load("work")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "access" || got.RefreshToken != "refresh" || !got.Expiry.Equal(tok.Expiry) {
		t.Errorf("unexpected token %+v", got)
	}
	if _, err := s.Load("missing"); err == nil {
		t.Error("expected error for missing account")
	}
}

func TestAccountsSeparatesProviders(t *testing.T) {
	dir := t.TempDir()
	google := Store{Dir: dir, Prefix: GooglePrefix}
	ms := Store{Dir: dir, Prefix: MicrosoftPrefix}
	tok := &oauth2.Token{AccessToken: "x"}

	for _, acc := range []string{"personal", "work"} {
		if err := google.Save(acc, tok); err != nil {
			t.Fatal(err)
		}
	}
	if err := ms.Save("office", tok); err != nil {
		t.Fatal(err)
	}

	got, err := google.Accounts()
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "personal" || got[1] != "work" {
		t.Errorf("google accounts = %v", got)
	}

	got, err = ms.Accounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "office" {
		t.Errorf("microsoft accounts = %v", got)
	}
}
