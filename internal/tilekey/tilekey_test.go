package tilekey_test

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/freeeve/lodterrain/internal/tilekey"
)

func TestParentAndAncestor(t *testing.T) {
	a := tilekey.Address{Level: 3, X: 5, Y: 6}

	parent, ok := a.Parent()
	if !ok {
		t.Fatalf("Parent(%v) reported no parent", a)
	}
	if want := (tilekey.Address{Level: 2, X: 2, Y: 3}); parent != want {
		t.Errorf("Parent(%v) = %v, want %v", a, parent, want)
	}
	if got, want := a.Ancestor(1), (tilekey.Address{Level: 1, X: 1, Y: 1}); got != want {
		t.Errorf("Ancestor(1) = %v, want %v", got, want)
	}
	if got := a.Ancestor(7); got != a {
		t.Errorf("Ancestor(7) = %v, want %v", got, a)
	}
	if _, ok := (tilekey.Address{}).Parent(); ok {
		t.Errorf("root address reported a parent")
	}
	for _, c := range a.Children() {
		if p, _ := c.Parent(); p != a {
			t.Errorf("Parent(%v) = %v, want %v", c, p, a)
		}
	}
}

func TestExpectedNonWrapping(t *testing.T) {
	p := tilekey.NewGrid(1, 1, false)
	nx, ny := p.NumTiles(2)

	tests := []struct {
		name string
		a    tilekey.Address
		dir  tilekey.Direction
		want bool
	}{
		{"west edge", tilekey.Address{Level: 2, X: 0, Y: 1}, tilekey.West, false},
		{"west interior", tilekey.Address{Level: 2, X: 1, Y: 1}, tilekey.West, true},
		{"east edge", tilekey.Address{Level: 2, X: nx - 1, Y: 1}, tilekey.East, false},
		{"east interior", tilekey.Address{Level: 2, X: 0, Y: 1}, tilekey.East, true},
		{"north edge", tilekey.Address{Level: 2, X: 1, Y: ny - 1}, tilekey.North, false},
		{"north interior", tilekey.Address{Level: 2, X: 1, Y: 0}, tilekey.North, true},
		{"south edge", tilekey.Address{Level: 2, X: 1, Y: 0}, tilekey.South, false},
		{"south interior", tilekey.Address{Level: 2, X: 1, Y: 1}, tilekey.South, true},
		{"parent", tilekey.Address{Level: 2}, tilekey.Parent, true},
		{"root parent", tilekey.Address{}, tilekey.Parent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tilekey.Expected(p, tt.a, tt.dir); got != tt.want {
				t.Errorf("Expected(%v, %v) = %v, want %v", tt.a, tt.dir, got, tt.want)
			}
		})
	}
}

func TestExpectedWrapping(t *testing.T) {
	p := tilekey.NewGrid(1, 1, true)
	a := tilekey.Address{Level: 2, X: 0, Y: 0}

	if !tilekey.Expected(p, a, tilekey.West) {
		t.Errorf("west of x=0 not expected on a wrapping profile")
	}
	if got, want := tilekey.Neighbor(p, a, tilekey.West), (tilekey.Address{Level: 2, X: 3, Y: 0}); got != want {
		t.Errorf("Neighbor(west) = %v, want %v", got, want)
	}
	east := tilekey.Address{Level: 2, X: 3, Y: 0}
	if !tilekey.Expected(p, east, tilekey.East) {
		t.Errorf("east of max x not expected on a wrapping profile")
	}
	if got, want := tilekey.Neighbor(p, east, tilekey.East), (tilekey.Address{Level: 2, X: 0, Y: 0}); got != want {
		t.Errorf("Neighbor(east) = %v, want %v", got, want)
	}
	if tilekey.Expected(p, a, tilekey.South) {
		t.Errorf("south of y=0 expected; poles must not wrap")
	}
}

func TestGeodeticNumTiles(t *testing.T) {
	g := tilekey.Geodetic()
	for level := uint32(0); level < 5; level++ {
		nx, ny := g.NumTiles(level)
		if nx != 2<<level || ny != 1<<level {
			t.Errorf("NumTiles(%d) = %d x %d, want %d x %d", level, nx, ny, 2<<level, 1<<level)
		}
	}
	b := g.Bound(tilekey.Address{Level: 0, X: 1, Y: 0})
	if b.Min[0] != 0 || b.Max[0] != 180 || b.Min[1] != -90 || b.Max[1] != 90 {
		t.Errorf("Bound(0/1/0) = %v, want [0,-90]-[180,90]", b)
	}
}

func TestMapTileRoundTrip(t *testing.T) {
	for _, a := range []tilekey.Address{{Level: 0}, {Level: 3, X: 2, Y: 7}, {Level: 10, X: 1000, Y: 3}} {
		if diff := cmp.Diff(a, tilekey.FromMapTile(tilekey.MapTile(a))); diff != "" {
			t.Errorf("FromMapTile(MapTile(%v)) mismatch (-want+got):\n%v", a, diff)
		}
	}
	// Row 0 is south, so the XYZ row of the southernmost tile is the last one.
	if got := tilekey.MapTile(tilekey.Address{Level: 2, X: 1, Y: 0}).Y; got != 3 {
		t.Errorf("MapTile(2/1/0).Y = %d, want 3", got)
	}
}

func TestOrderingIsTotal(t *testing.T) {
	var all []tilekey.Address
	seen := make(map[uint64]tilekey.Address)
	for level := uint32(0); level < 5; level++ {
		nx, ny := tilekey.Geodetic().NumTiles(level)
		for y := range ny {
			for x := range nx {
				a := tilekey.Address{Level: level, X: x, Y: y}
				if prev, dup := seen[a.Code()]; dup {
					t.Fatalf("Code collision between %v and %v", prev, a)
				}
				seen[a.Code()] = a
				all = append(all, a)
			}
		}
	}
	slices.SortFunc(all, func(a, b tilekey.Address) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	for i := 1; i < len(all); i++ {
		if all[i].Level < all[i-1].Level {
			t.Fatalf("level order broken at %d: %v after %v", i, all[i], all[i-1])
		}
	}
}
