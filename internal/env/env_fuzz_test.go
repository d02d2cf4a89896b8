package env

import (
	"slices"
	"strings"
	"testing"
)

func FuzzDaemonEnv(f *testing.F) {
	f.Add("MONERO_DATA=/srv/monero\nP2P=${MONERO_DATA}/p2p")
	f.Add("=novalue\nNO_COLOR=false")
	f.Add("A=${B}\nB=${A}")

	f.Fuzz(func(t *testing.T, raw string) {
		kvs := strings.Split(raw, "\n")
		if len(kvs) > 32 {
			kvs = kvs[:32]
		}
		for k := range Parse(kvs) {
			if k == "" || strings.Contains(k, "=") {
				t.Fatalf("bad key %q", k)
			}
		}

		out := Isolated().Daemon(kvs)
		if !slices.IsSorted(out) {
			t.Fatalf("unsorted: %q", out)
		}
		if !slices.Contains(out, NoColor+"=true") {
			t.Fatalf("missing %s: %q", NoColor, out)
		}
		for _, kv := range out {
			if strings.IndexByte(kv, '=') <= 0 {
				t.Fatalf("bad pair %q", kv)
			}
		}
	})
}
