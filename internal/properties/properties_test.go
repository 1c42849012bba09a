package properties

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeProcessor struct{ prefix string }

func (f fakeProcessor) PropertyPrefix() string { return f.prefix }

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWildcardFewestWins(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "default.properties", ""+
		"webhook.*.timeout-s = 30\n"+
		"webhook.delivery.timeout-s = 5\n")
	s, err := Open([]string{path})
	if err != nil {
		t.Fatal(err)
	}
	got := s.GetInt(nil, "webhook.delivery.timeout-s", -1)
	if got != 5 {
		t.Fatalf("expected exact match to win over wildcard, got %d", got)
	}
	got = s.GetInt(nil, "webhook.other.timeout-s", -1)
	if got != 30 {
		t.Fatalf("expected wildcard fallback, got %d", got)
	}
}

func TestLaterFileOverridesEarlier(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.properties", "shared.value = 1\n")
	b := writeFile(t, dir, "b.properties", "shared.value = 2\n")
	s, err := Open([]string{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.GetInt(nil, "shared.value", -1); got != 2 {
		t.Fatalf("expected later file to win, got %d", got)
	}
}

func TestPropertyPrefixProvider(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "default.properties", "webhook-delivery.my-proc.retries = 4\n")
	s, err := Open([]string{path})
	if err != nil {
		t.Fatal(err)
	}
	proc := fakeProcessor{prefix: "webhook-delivery.my-proc"}
	if got := s.GetInt(proc, "retries", -1); got != 4 {
		t.Fatalf("got %d", got)
	}
}

func TestMalformedLineErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "default.properties", "not a valid line\n")
	if _, err := Open([]string{path}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestInsertProcessorSectionsIfNotExist(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "default.properties", "existing.key = 1\n")
	s, err := Open([]string{path})
	if err != nil {
		t.Fatal(err)
	}
	proc := fakeProcessor{prefix: "webhook-delivery.my-proc"}
	err = s.InsertProcessorSectionsIfNotExist(proc, []PropertySpec{
		{Parts: []string{"retries"}, Type: "int", Help: "max retries", Default: 3},
		{Parts: []string{"existing", "key"}, Type: "int", Default: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.GetInt(proc, "retries", -1); got != 3 {
		t.Fatalf("expected inserted default, got %d", got)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "--- ") {
		t.Fatalf("expected banner in file, got %s", data)
	}
}
