package invgen

import (
	"strings"
	"testing"
)

func TestGenerateDeterministic(t *testing.T) {
	cfg := DefaultConfig(200)
	a := New(cfg).Generate()
	b := New(cfg).Generate()

	if len(a) != 200 || len(b) != 200 {
		t.Fatalf("got %d and %d objects, want 200", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("object %d differs between runs: %+v vs %+v", i, a[i], b[i])
		}
	}

	cfg.Seed = 7
	c := New(cfg).Generate()
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds produced identical objects")
	}
}

func TestGenerateShape(t *testing.T) {
	cfg := DefaultConfig(500)
	for _, o := range New(cfg).Generate() {
		depth := strings.Count(o.Key, "/")
		if depth < 1 || depth > cfg.MaxDepth {
			t.Errorf("key %q has depth %d, want 1..%d", o.Key, depth, cfg.MaxDepth)
		}
		if o.Size < 0 {
			t.Errorf("key %q has negative size %d", o.Key, o.Size)
		}
		if _, ok := cfg.ClassWeights[o.StorageClass]; !ok && o.StorageClass != "STANDARD" {
			t.Errorf("key %q has unexpected storage class %q", o.Key, o.StorageClass)
		}
		if (o.AccessTier != "") != (o.StorageClass == "INTELLIGENT_TIERING") {
			t.Errorf("key %q: access tier %q does not fit class %q", o.Key, o.AccessTier, o.StorageClass)
		}
	}
}

func TestGenerateNoWeights(t *testing.T) {
	g := New(Config{NumObjects: 50, Fanout: 5, MaxDepth: 3})
	for _, o := range g.Generate() {
		if o.StorageClass != "STANDARD" || o.AccessTier != "" {
			t.Fatalf("nil weights produced %q/%q, want STANDARD", o.StorageClass, o.AccessTier)
		}
	}
}

func TestAppendCSV(t *testing.T) {
	objects := []Object{
		{Key: "a/b.txt", Size: 100, StorageClass: "STANDARD"},
		{Key: "c.log", Size: 5, StorageClass: "INTELLIGENT_TIERING", AccessTier: "FREQUENT"},
	}
	got := string(AppendCSV(nil, objects))
	want := "a/b.txt,100,STANDARD,\nc.log,5,INTELLIGENT_TIERING,FREQUENT\n"
	if got != want {
		t.Errorf("AppendCSV = %q, want %q", got, want)
	}
}

func TestKeys(t *testing.T) {
	objects := New(DefaultConfig(10)).Generate()
	keys := Keys(objects)
	if len(keys) != len(objects) {
		t.Fatalf("got %d keys, want %d", len(keys), len(objects))
	}
	for i := range keys {
		if keys[i] != objects[i].Key {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], objects[i].Key)
		}
	}
}
