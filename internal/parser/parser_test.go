package parser

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hashvisor/internal/pool"
)

type lines []string

func (l *lines) AppendOutput(line string) { *l = append(*l, line) }

// chunkReader hands out at most n bytes per Read.
type chunkReader struct {
	data []byte
	n    int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	k := r.n
	if k > len(r.data) {
		k = len(r.data)
	}
	if k > len(p) {
		k = len(p)
	}
	copy(p, r.data[:k])
	r.data = r.data[k:]
	return k, nil
}

func p2poolFixture() string {
	var sb strings.Builder
	for i := 0; i < 21; i++ {
		fmt.Fprintf(&sb, "\x1b[32mNOTICE\x1b[0m  2024-01-01 10:00:%02d.0000 startup line %d\r\n", i, i)
	}
	sb.WriteString("NOTICE  2024-01-01 10:01:00.0000 P2PServer Monero node 127.0.0.1:RPC 18081:ZMQ 18083 is online\n")
	sb.WriteString("statusfromgupax\r\n")
	sb.WriteString("Your hashrate (pool-side) = 12.5 KH/s\n")
	sb.WriteString("Your shares               = 3 blocks\n")
	sb.WriteString("PPLNS window              = 2160 blocks\n")
	sb.WriteString("Uptime         = 0h 1m 2s\n")
	sb.WriteString("NOTICE  2024-01-01 10:02:00.1234 P2Pool You received a payout of 0.000440771336 XMR in block 3100000\n")
	sb.WriteString("trailing line without newline")
	return sb.String()
}

func runStream(t *testing.T, input string, chunk int, proto Protocol) (lines, []Event) {
	t.Helper()
	var out lines
	var events []Event
	err := Stream(context.Background(), &chunkReader{data: []byte(input), n: chunk}, &out, proto, func(e Event) {
		events = append(events, e)
	})
	require.NoError(t, err)
	return out, events
}

func TestStream_ChunkingInvariance(t *testing.T) {
	input := p2poolFixture()
	wantOut, wantEvents := runStream(t, input, len(input), &P2poolProtocol{})

	for _, n := range []int{1, 2, 3, 7, 13, 64, 4096} {
		out, events := runStream(t, input, n, &P2poolProtocol{})
		assert.Equal(t, wantOut, out, "chunk size %d", n)
		assert.Equal(t, wantEvents, events, "chunk size %d", n)
	}
}

func TestStream_P2poolProtocol(t *testing.T) {
	out, events := runStream(t, p2poolFixture(), 17, &P2poolProtocol{})

	require.Len(t, out, 24)
	assert.Equal(t, "NOTICE  2024-01-01 10:00:00.0000 startup line 0", out[0])
	for _, l := range out {
		assert.NotContains(t, l, "statusfromgupax")
		assert.NotContains(t, l, "Your shares")
		assert.NotContains(t, l, "\x1b")
	}
	assert.Equal(t, "trailing line without newline", out[len(out)-1])

	assert.Equal(t, []Event{
		NodeChanged{Node: Node{IP: "127.0.0.1", RPC: 18081, ZMQ: 18083}},
		StatusHashrate{HPS: 12500},
		StatusShares{Shares: 3},
		StatusWindow{Blocks: 2160},
		StatusDone{},
	}, events)
}

func TestP2poolProtocol_NodeIgnoredDuringStartup(t *testing.T) {
	p := &P2poolProtocol{}
	var got []Event
	visible := p.Line("Monero node 10.0.0.1:RPC 18081:ZMQ 18083", func(e Event) { got = append(got, e) })
	assert.True(t, visible)
	assert.Empty(t, got)
}

func TestXmrigProtocol(t *testing.T) {
	input := "[sudo] password: \nsecret echo\n * ABOUT        XMRig/6.21.0 gcc/9.4.0\n * LIBS         libuv/1.44.2\n"

	out, events := runStream(t, input, 5, &XmrigProtocol{HideUntilAbout: true})
	assert.Equal(t, lines{" * ABOUT        XMRig/6.21.0 gcc/9.4.0", " * LIBS         libuv/1.44.2"}, out)
	assert.Equal(t, []Event{Started{}}, events)

	out, events = runStream(t, input, 5, &XmrigProtocol{})
	assert.Len(t, out, 4)
	assert.Equal(t, []Event{Started{}}, events)
}

func TestStream_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out lines
	err := Stream(ctx, strings.NewReader("a\n"), &out, Passthrough{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out)
}

func TestLineBuffer(t *testing.T) {
	var b LineBuffer
	assert.Empty(t, b.Feed([]byte("par")))
	assert.Equal(t, []string{"partial"}, b.Feed([]byte("tial\r\nnext")))
	assert.Equal(t, []string{"next", ""}, b.Feed([]byte("\n\n")))
	_, ok := b.Flush()
	assert.False(t, ok)
}

func TestClean(t *testing.T) {
	assert.Equal(t, "red text", Clean("\x1b[1;31mred\x1b[0m text"))
	assert.Equal(t, "bell", Clean("be\all"))
	assert.Equal(t, "a\tb", Clean("a\tb"))
	assert.Equal(t, "plain", Clean("plain"))
}

func TestScanP2pool(t *testing.T) {
	text := strings.Join([]string{
		"NOTICE  2024-01-01 10:02:00.1234 P2Pool You received a payout of 0.000440771336 XMR in block 3100000",
		"NOTICE  2024-01-01 10:03:00.0000 ZMQReader failed to connect to 127.0.0.1:18083",
		"NOTICE  2024-01-02 11:00:00.5000 P2Pool You received a payout of 0.000100000000 XMR in block 3,100,500",
		"",
	}, "\n")
	s := ScanP2pool(text)
	assert.True(t, s.ZMQFailure)
	require.Len(t, s.Payouts, 2)
	assert.Equal(t, "2024-01-01 10:02:00.1234", s.Payouts[0].Date)
	assert.InDelta(t, 0.000440771336, s.Payouts[0].Amount, 1e-15)
	assert.Equal(t, uint64(3100000), s.Payouts[0].Block)
	assert.Equal(t, uint64(3100500), s.Payouts[1].Block)
	assert.InDelta(t, 0.000540771336, s.Total(), 1e-12)

	assert.Equal(t, P2poolScan{}, ScanP2pool("nothing interesting\n"))
}

func TestScanXmrig(t *testing.T) {
	s := ScanXmrig("net      use pool 127.0.0.1:3333  127.0.0.1\nnet      new job from 127.0.0.1:3333 diff 1000 algo rx/0\n", 3355, 3333)
	assert.Equal(t, MiningActive, s.Mining)
	assert.True(t, s.PoolFound)
	assert.Equal(t, pool.NewP2pool(3333), s.Pool)

	s = ScanXmrig("net      new job from eu.xmrvsbeast.com:4247 diff 1\nnet      no active pools, stop mining\n", 3355, 3333)
	assert.Equal(t, MiningStopped, s.Mining)
	assert.False(t, s.PoolFound)

	s = ScanXmrig("cpu      accepted (1/0) diff 1000\n", 3355, 3333)
	assert.Equal(t, MiningUnchanged, s.Mining)
}

func TestScanProxy(t *testing.T) {
	s := ScanProxy("proxy    upstreams active: 1 sleep: 0 error: 0 total: 1\nnet      use pool 127.0.0.1:3333 \n", 3355, 3333)
	assert.Equal(t, MiningActive, s.Mining)
	assert.Equal(t, pool.NewP2pool(3333), s.Pool)

	s = ScanProxy("net      127.0.0.1:3333 read error: \"connection reset\"\n", 3355, 3333)
	assert.Equal(t, MiningStopped, s.Mining)

	s = ScanProxy("net      pool 127.0.0.1:3333 timeout\n", 3355, 3333)
	assert.Equal(t, MiningStopped, s.Mining)
}
