package persist_test

import (
	"errors"
	"testing"

	"github.com/gokvm/microvm/persist"
)

func TestVersionMapLatestVersion(t *testing.T) {
	t.Parallel()

	vmap := persist.NewVersionMap()

	if got, want := vmap.LatestVersion(), uint16(2); got != want {
		t.Fatalf("LatestVersion() = %d, want %d", got, want)
	}
}

func TestVersionMapTypeVersion(t *testing.T) {
	t.Parallel()

	vmap := persist.NewVersionMap()

	cases := []struct {
		name        string
		dataVersion uint16
		want        uint16
	}{
		{"v0 device states unversioned", persist.V0, 1},
		{"v2 device states bumped", 2, 2},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := vmap.TypeVersion(tc.dataVersion, persist.TypeDeviceStates); got != tc.want {
				t.Errorf("TypeVersion(%d) = %d, want %d", tc.dataVersion, got, tc.want)
			}
		})
	}
}

func TestVersionMapTranslate(t *testing.T) {
	t.Parallel()

	vmap := persist.NewVersionMap()

	v, err := vmap.Translate("0.23")
	if err != nil {
		t.Fatalf("Translate(0.23): %v", err)
	}

	if v != persist.V0 {
		t.Fatalf("Translate(0.23) = %d, want %d", v, persist.V0)
	}

	if _, err := vmap.Translate("9.99"); !errors.Is(err, persist.ErrInvalidVersionTag) {
		t.Fatalf("Translate(9.99) error = %v, want ErrInvalidVersionTag", err)
	}
}
