package connections

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/objcat/objcat/internal/catalog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	s, err := NewStore(cat.DB())
	if err != nil {
		t.Fatalf("connections store: %v", err)
	}
	return s
}

func TestCreateAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, Row{
		Name:            "minio-local",
		Endpoint:        "http://127.0.0.1:9000",
		Region:          "us-east-1",
		Bucket:          "media",
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "topsecret",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected assigned id")
	}

	got, err := s.Resolve(ctx, created.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Bucket != "media" || got.SecretAccessKey != "topsecret" {
		t.Errorf("resolved row = %+v", got)
	}
}

func TestResolveUnknownID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Resolve(context.Background(), 42)
	if !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("err = %v, want ErrConnectionNotFound", err)
	}
}

func TestPublicOmitsSecrets(t *testing.T) {
	row := Row{
		ID:              7,
		Name:            "prod",
		Region:          "eu-west-1",
		Bucket:          "assets",
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "topsecret",
	}

	data, err := json.Marshal(row.Public())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if strings.Contains(s, "AKIAEXAMPLE") || strings.Contains(s, "topsecret") {
		t.Errorf("public representation leaks credentials: %s", s)
	}
	if !strings.Contains(s, `"bucket":"assets"`) {
		t.Errorf("public representation missing bucket: %s", s)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, Row{
		Name: "old", Region: "us-east-1", Bucket: "b",
		AccessKeyID: "k", SecretAccessKey: "s",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	created.Name = "renamed"
	created.Bucket = "b2"
	if err := s.Update(ctx, *created); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Resolve(ctx, created.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Name != "renamed" || got.Bucket != "b2" {
		t.Errorf("updated row = %+v", got)
	}

	if err := s.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Resolve(ctx, created.ID); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("resolve after delete: %v", err)
	}

	if err := s.Delete(ctx, created.ID); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("double delete: %v", err)
	}
}

func TestListOrdersByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := s.Create(ctx, Row{
			Name: name, Region: "r", Bucket: "b",
			AccessKeyID: "k", SecretAccessKey: "s",
		}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	rows, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(rows), len(want))
	}
	for i, w := range want {
		if rows[i].Name != w {
			t.Errorf("row[%d] = %q, want %q", i, rows[i].Name, w)
		}
	}
}
