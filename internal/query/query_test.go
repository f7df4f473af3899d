package query

import (
	"context"
	"errors"
	"testing"

	"github.com/objcat/objcat/internal/catalog"
)

func newTestEngine(t *testing.T) (*Engine, *catalog.Store) {
	t.Helper()
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return New(cat), cat
}

func seed(t *testing.T, cat *catalog.Store, connID int64, entries []struct {
	typ  catalog.ObjectType
	path string
}) {
	t.Helper()
	ctx := context.Background()
	for _, item := range entries {
		e, err := catalog.NewEntry(connID, item.typ, item.path)
		if err != nil {
			t.Fatalf("NewEntry(%q): %v", item.path, err)
		}
		if err := cat.Insert(ctx, e); err != nil {
			t.Fatalf("insert %q: %v", item.path, err)
		}
	}
}

func pagePaths(p *Page) []string {
	out := make([]string, len(p.Items))
	for i, e := range p.Items {
		out[i] = e.Path
	}
	return out
}

func TestGetObjectsFoldersBeforeFiles(t *testing.T) {
	eng, cat := newTestEngine(t)
	seed(t, cat, 1, []struct {
		typ  catalog.ObjectType
		path string
	}{
		{catalog.ObjectFile, "zebra.txt"},
		{catalog.ObjectFolder, "alpha/"},
		{catalog.ObjectFile, "apple.txt"},
		{catalog.ObjectFolder, "zoo/"},
	})

	page, err := eng.GetObjects(context.Background(), Params{ConnectionID: 1})
	if err != nil {
		t.Fatalf("get objects: %v", err)
	}
	want := []string{"alpha/", "zoo/", "apple.txt", "zebra.txt"}
	got := pagePaths(page)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if page.HasNextPage {
		t.Error("unexpected next page")
	}
}

func TestGetObjectsScopesToDirname(t *testing.T) {
	eng, cat := newTestEngine(t)
	seed(t, cat, 1, []struct {
		typ  catalog.ObjectType
		path string
	}{
		{catalog.ObjectFolder, "docs/"},
		{catalog.ObjectFile, "docs/a.txt"},
		{catalog.ObjectFolder, "docs/sub/"},
		{catalog.ObjectFile, "docs/sub/deep.txt"},
		{catalog.ObjectFile, "root.txt"},
	})

	page, err := eng.GetObjects(context.Background(), Params{ConnectionID: 1, Dirname: "docs"})
	if err != nil {
		t.Fatalf("get objects: %v", err)
	}
	// Only direct children: the nested file lives under docs/sub, not docs.
	want := []string{"docs/sub/", "docs/a.txt"}
	got := pagePaths(page)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGetObjectsPaginationIsCompleteAndDeterministic(t *testing.T) {
	eng, cat := newTestEngine(t)
	var items []struct {
		typ  catalog.ObjectType
		path string
	}
	names := []string{"a", "b", "c", "d", "e", "f", "g"}
	for _, n := range names {
		items = append(items, struct {
			typ  catalog.ObjectType
			path string
		}{catalog.ObjectFile, n + ".txt"})
	}
	items = append(items, struct {
		typ  catalog.ObjectType
		path string
	}{catalog.ObjectFolder, "dir/"})
	seed(t, cat, 1, items)

	ctx := context.Background()
	var all []string
	after := ""
	pages := 0
	for {
		page, err := eng.GetObjects(ctx, Params{ConnectionID: 1, After: after, Limit: 3})
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		all = append(all, pagePaths(page)...)
		pages++
		if !page.HasNextPage {
			break
		}
		after = page.Items[len(page.Items)-1].ID
	}

	if pages != 3 {
		t.Errorf("walked %d pages, want 3", pages)
	}
	want := append([]string{"dir/"}, func() []string {
		out := make([]string, len(names))
		for i, n := range names {
			out[i] = n + ".txt"
		}
		return out
	}()...)
	if len(all) != len(want) {
		t.Fatalf("walked %v, want %v", all, want)
	}
	seen := make(map[string]int)
	for i, p := range all {
		if p != want[i] {
			t.Errorf("position %d = %q, want %q", i, p, want[i])
		}
		seen[p]++
	}
	for p, n := range seen {
		if n != 1 {
			t.Errorf("%q appeared %d times", p, n)
		}
	}
}

func TestGetObjectsKeywordFiltering(t *testing.T) {
	eng, cat := newTestEngine(t)
	seed(t, cat, 1, []struct {
		typ  catalog.ObjectType
		path string
	}{
		{catalog.ObjectFolder, "docs/"},
		{catalog.ObjectFile, "docs/readme.txt"},
		{catalog.ObjectFile, "docs/old-readme.txt"},
		{catalog.ObjectFolder, "src/"},
		{catalog.ObjectFile, "src/readme.md"},
		{catalog.ObjectFile, "src/main.go"},
	})
	ctx := context.Background()

	// Keyword search from the root spans the whole connection.
	page, err := eng.GetObjects(ctx, Params{ConnectionID: 1, Keyword: "readme -old"})
	if err != nil {
		t.Fatalf("get objects: %v", err)
	}
	got := pagePaths(page)
	want := map[string]bool{"docs/readme.txt": true, "src/readme.md": true}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, p := range got {
		if !want[p] {
			t.Errorf("unexpected match %q", p)
		}
	}

	// A keyword widens the dirname scope to the whole subtree.
	page, err = eng.GetObjects(ctx, Params{ConnectionID: 1, Dirname: "docs", Keyword: "readme"})
	if err != nil {
		t.Fatalf("get objects: %v", err)
	}
	got = pagePaths(page)
	if len(got) != 2 {
		t.Fatalf("scoped keyword got %v, want docs/ matches only", got)
	}
	for _, p := range got {
		if p != "docs/readme.txt" && p != "docs/old-readme.txt" {
			t.Errorf("match %q escaped the docs/ subtree", p)
		}
	}
}

func TestGetObjectsCursorNotFound(t *testing.T) {
	eng, cat := newTestEngine(t)
	seed(t, cat, 1, []struct {
		typ  catalog.ObjectType
		path string
	}{
		{catalog.ObjectFile, "a.txt"},
	})

	_, err := eng.GetObjects(context.Background(), Params{ConnectionID: 1, After: "no-such-id"})
	var notFound CursorNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want CursorNotFoundError", err)
	}
	if notFound.ID != "no-such-id" {
		t.Errorf("cursor id = %q", notFound.ID)
	}
}

func TestGetObjectsIsolatesConnections(t *testing.T) {
	eng, cat := newTestEngine(t)
	seed(t, cat, 1, []struct {
		typ  catalog.ObjectType
		path string
	}{
		{catalog.ObjectFile, "mine.txt"},
	})
	seed(t, cat, 2, []struct {
		typ  catalog.ObjectType
		path string
	}{
		{catalog.ObjectFile, "theirs.txt"},
	})

	page, err := eng.GetObjects(context.Background(), Params{ConnectionID: 1})
	if err != nil {
		t.Fatalf("get objects: %v", err)
	}
	if got := pagePaths(page); len(got) != 1 || got[0] != "mine.txt" {
		t.Errorf("got %v, want [mine.txt]", got)
	}
}

func TestParseKeyword(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		plus  []string
		minus []string
	}{
		{"empty", "", nil, nil},
		{"single plus", "readme", []string{"readme"}, nil},
		{"plus and minus", "readme -old", []string{"readme"}, []string{"old"}},
		{"extra whitespace", "  a   -b  c ", []string{"a", "c"}, []string{"b"}},
		{"bare dash ignored", "a - b", []string{"a", "b"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kw := ParseKeyword(tt.in)
			if len(kw.Plus) != len(tt.plus) || len(kw.Minus) != len(tt.minus) {
				t.Fatalf("ParseKeyword(%q) = %+v", tt.in, kw)
			}
			for i := range tt.plus {
				if kw.Plus[i] != tt.plus[i] {
					t.Errorf("plus[%d] = %q, want %q", i, kw.Plus[i], tt.plus[i])
				}
			}
			for i := range tt.minus {
				if kw.Minus[i] != tt.minus[i] {
					t.Errorf("minus[%d] = %q, want %q", i, kw.Minus[i], tt.minus[i])
				}
			}
		})
	}
}
