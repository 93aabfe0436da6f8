package pr

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/Iron-Ham/taskloop/internal/config"
	"github.com/Iron-Ham/taskloop/internal/errors"
)

type recorder struct {
	dir  string
	name string
	args []string
	out  string
	err  error
}

func (r *recorder) exec(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	r.dir, r.name, r.args = dir, name, args
	return []byte(r.out), r.err
}

func TestOptionsArgs(t *testing.T) {
	got := Options{
		Base: "main", Head: "taskloop/agent-1-a", Title: "A", Body: "body",
		Draft: true, Labels: []string{"auto"}, Reviewers: []string{"alice"},
	}.Args()

	want := []string{"pr", "create", "--base", "main", "--head", "taskloop/agent-1-a",
		"--title", "A", "--body", "body", "--draft", "--label", "auto", "--reviewer", "alice"}
	if !slices.Equal(got, want) {
		t.Errorf("Args() = %q\nwant %q", got, want)
	}
}

func TestCreator_Create(t *testing.T) {
	rec := &recorder{out: "Creating pull request for taskloop/agent-1-a into main\n\nhttps://github.com/acme/app/pull/12\n"}
	cfg := config.PRConfig{
		Draft:  true,
		Labels: []string{"taskloop"},
		Reviewers: config.ReviewerConfig{
			ByPath: map[string][]string{"docs/**": {"@writers"}},
		},
	}

	url, err := NewCreator("/repo", cfg, rec.exec).Create(context.Background(), Request{
		Task:         "3:Write docs",
		Base:         "main",
		Head:         "taskloop/agent-1-a",
		ChangedFiles: []string{"docs/guide.md"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if url != "https://github.com/acme/app/pull/12" {
		t.Errorf("url = %q", url)
	}
	if rec.dir != "/repo" || rec.name != "gh" {
		t.Errorf("ran %s in %s", rec.name, rec.dir)
	}
	for _, want := range [][]string{
		{"--title", "Write docs"},
		{"--reviewer", "writers"},
		{"--label", "taskloop"},
	} {
		i := slices.Index(rec.args, want[0])
		if i < 0 || i+1 >= len(rec.args) || rec.args[i+1] != want[1] {
			t.Errorf("args %q missing %s %s", rec.args, want[0], want[1])
		}
	}
	if !slices.Contains(rec.args, "--draft") {
		t.Error("expected --draft")
	}
}

func TestCreator_Failure(t *testing.T) {
	rec := &recorder{out: "a pull request already exists", err: fmt.Errorf("exit status 1")}

	_, err := NewCreator("/repo", config.PRConfig{}, rec.exec).Open(context.Background(), Options{Head: "b"})
	var gitErr *errors.GitError
	if !errors.As(err, &gitErr) {
		t.Fatalf("Open() error = %v, want GitError", err)
	}
	if gitErr.Branch != "b" {
		t.Errorf("Branch = %q", gitErr.Branch)
	}
}

func TestTitle(t *testing.T) {
	tests := []struct {
		task string
		want string
	}{
		{"Add login", "Add login"},
		{"12:Fix crash", "Fix crash"},
		{"docs: update", "docs: update"},
		{"  padded  ", "padded"},
	}
	for _, tt := range tests {
		if got := Title(tt.task); got != tt.want {
			t.Errorf("Title(%q) = %q, want %q", tt.task, got, tt.want)
		}
	}

	long := Title("Implement the remaining pieces of the checkout flow including coupons and gift cards")
	if len(long) != 72 {
		t.Errorf("long title length = %d, want 72", len(long))
	}
}
