package mapfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gitcord"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := New(filepath.Join(t.TempDir(), "mappings.yml"))

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d mappings from missing file, want 0", len(got))
	}

	first := []gitcord.Mapping{{
		ID:            "m1",
		ChannelID:     "100",
		Repository:    gitcord.Repository{Owner: "acme", Name: "widgets"},
		WebhookSecret: "s3cret",
		Enabled:       true,
	}}
	if err := s.Save(ctx, first); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.Path + ".bak"); !os.IsNotExist(err) {
		t.Errorf("backup exists after first save (err %v)", err)
	}
	if _, err := s.Backup(ctx); !errors.Is(err, gitcord.ErrNotFound) {
		t.Errorf("got %v from Backup after first save, want ErrNotFound", err)
	}

	second := append(first, gitcord.Mapping{
		ID:         "m2",
		ChannelID:  "200",
		Repository: gitcord.Repository{Owner: "acme", Name: "gadgets"},
		Options:    &gitcord.MappingOptions{DisableTagSync: true, GithubToken: "tok"},
	})
	if err := s.Save(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err = s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(second, got); diff != "" {
		t.Errorf("loaded mappings mismatch (-want +got):\n%s", diff)
	}

	backup, err := s.Backup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, backup); diff != "" {
		t.Errorf("backup mismatch (-want +got):\n%s", diff)
	}

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(s.Path), "*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestLoadFormat(t *testing.T) {
	const doc = `
mappings:
  - id: m1
    channel_id: "123456789"
    repository:
      owner: acme
      name: widgets
    enabled: true
    options:
      disable_tag_sync: true
`
	path := filepath.Join(t.TempDir(), "mappings.yml")
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := New(path).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []gitcord.Mapping{{
		ID:         "m1",
		ChannelID:  "123456789",
		Repository: gitcord.Repository{Owner: "acme", Name: "widgets"},
		Enabled:    true,
		Options:    &gitcord.MappingOptions{DisableTagSync: true},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.yml")
	if err := os.WriteFile(path, []byte("mappings: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path).Load(context.Background()); err == nil {
		t.Error("got no error for malformed file")
	}
}
