package keys

import "testing"

func TestKeys_For_MatchesHelpers(t *testing.T) {
	q := "count"
	k := For(q)
	if k.Pending != Pending(q) || k.Active != Active(q) || k.Dead != Dead(q) || k.Succeeded != Succeeded(q) {
		t.Fatalf("precomputed keys mismatch: %+v", k)
	}
	if k.Progress != Progress(q) {
		t.Fatalf("progress channel mismatch: %s", k.Progress)
	}
	if k.Job("j1") != Job(q, "j1") {
		t.Fatalf("job key mismatch: %s vs %s", k.Job("j1"), Job(q, "j1"))
	}
	if k.Name != q {
		t.Fatalf("name not kept: %s", k.Name)
	}
}

func TestKeys_HashTagged(t *testing.T) {
	if got := Pending("a"); got != "taskpoll:{a}:pending" {
		t.Fatalf("unexpected key: %s", got)
	}
	if got := Task("x"); got != "taskpoll:task:x" {
		t.Fatalf("unexpected task key: %s", got)
	}
}
