package keys

import (
	"strings"
	"testing"
)

func TestCellKey_StableAndDistinct(t *testing.T) {
	k1 := CellKey("demo:roads", "e1", 3, 7, 1)
	k2 := CellKey("demo:roads", "e1", 3, 7, 1)
	if k1 != k2 {
		t.Fatalf("keys must be deterministic: %q vs %q", k1, k2)
	}
	for _, other := range []string{
		CellKey("demo:roads", "e1", 3, 7, 2),
		CellKey("demo:roads", "e1", 7, 3, 1),
		CellKey("demo:rivers", "e1", 3, 7, 1),
		CellKey("demo:roads", "e2", 3, 7, 1),
	} {
		if other == k1 {
			t.Fatalf("expected distinct key, got %q twice", k1)
		}
	}
}

func TestCellKey_SharesLayerPrefix(t *testing.T) {
	k := CellKey("demo:roads", "abc", 0, 1, 9)
	if !strings.HasPrefix(k, Prefix("demo:roads")) {
		t.Fatalf("key %q does not start with %q", k, Prefix("demo:roads"))
	}
	if !strings.HasPrefix(k, "cell:demo:roads:eabc:0:1:g9:h=") {
		t.Fatalf("unexpected key layout %q", k)
	}
}

func TestPrefix_SanitizesLayer(t *testing.T) {
	got := Prefix("  my layer/über  ")
	if got != "cell:my_layer-ber:" {
		t.Fatalf("got %q", got)
	}
	if Prefix("") != "cell:_:" {
		t.Fatalf("empty layer must still produce a namespace, got %q", Prefix(""))
	}
}

func TestNewEpoch_Distinct(t *testing.T) {
	a, b := NewEpoch(), NewEpoch()
	if a == b || len(a) != 32 || strings.Contains(a, "-") {
		t.Fatalf("epochs %q %q", a, b)
	}
}
