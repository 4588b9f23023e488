package pool

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nockpool/nockpool/internal/config"
	"github.com/nockpool/nockpool/internal/nock"
	"github.com/nockpool/nockpool/internal/shareproc"
	"github.com/nockpool/nockpool/internal/stratum"
	"github.com/nockpool/nockpool/pkg/log"
)

type fakeNode struct {
	mu        sync.Mutex
	tmpl      *nock.Template
	height    uint64
	heightErr error
	submitted [][]byte
	payouts   []string
}

func (f *fakeNode) GetBlockTemplate(_ context.Context) (*nock.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tmpl == nil {
		return nil, fmt.Errorf("no template configured")
	}
	cp := *f.tmpl
	return &cp, nil
}

func (f *fakeNode) SubmitBlock(_ context.Context, header []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, header)
	return "00deadbeef", nil
}

func (f *fakeNode) SendPayout(_ context.Context, address string, _ float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payouts = append(f.payouts, address)
	return "txhash", nil
}

func (f *fakeNode) GetConfirmations(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (f *fakeNode) BestHeight(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, f.heightErr
}

func (f *fakeNode) setTemplate(tmpl *nock.Template) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tmpl = tmpl
}

func (f *fakeNode) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func testLogger() *log.Logger {
	return log.New("pool-test", "test", "error", "text")
}

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:    "pool-test",
		Host:           "127.0.0.1",
		Port:           0,
		Workers:        1,
		MaxConnections: 8,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,

		PoolFee:       0.025,
		BlockReward:   65536,
		MinDifficulty: 1000,
		MaxDifficulty: 1_000_000_000,

		TargetBlockTime:       10 * time.Minute,
		ShareWindowSize:       100,
		VardiffEnabled:        true,
		VardiffTargetTime:     30 * time.Second,
		VardiffRetargetTime:   90 * time.Second,
		VardiffVariancePct:    30,
		ConfirmationsRequired: 10,

		PayoutScheme:      config.SchemePPS,
		MinimumPayout:     1,
		PayoutInterval:    time.Hour,
		PayoutMaxAttempts: 3,

		MaxSharesPerSecond: 1000,
		BanThreshold:       50,
		BanDuration:        time.Hour,
	}
}

func testTemplate(blockTarget uint64) *nock.Template {
	tmpl := &nock.Template{
		JobID:             "job-1",
		Height:            42,
		Version:           1,
		NetworkDifficulty: 1_000_000,
		BlockTarget:       blockTarget,
		IssuedAt:          time.Now(),
	}
	for i := range tmpl.PrevHash {
		tmpl.PrevHash[i] = 0x11
	}
	for i := range tmpl.MerkleRoot {
		tmpl.MerkleRoot[i] = 0x22
	}
	return tmpl
}

// mineNonce searches for a nonce whose achieved difficulty is at least the
// claimed difficulty but below the network difficulty, so the share is valid
// without being a block solution.
func mineNonce(t *testing.T, tmpl *nock.Template, ntime, claimed uint64) string {
	t.Helper()
	for i := uint64(0); i < 1_000_000; i++ {
		nonce := make([]byte, 8)
		binary.LittleEndian.PutUint64(nonce, i)
		header := &nock.Header{
			Version:    tmpl.Version,
			PrevHash:   tmpl.PrevHash,
			MerkleRoot: tmpl.MerkleRoot,
			NTime:      ntime,
			Difficulty: uint32(claimed),
			Nonce:      nonce,
		}
		achieved := nock.AchievedDifficulty(header.Hash())
		if achieved >= claimed && achieved < tmpl.NetworkDifficulty {
			return hex.EncodeToString(nonce)
		}
	}
	t.Fatal("no suitable nonce found")
	return ""
}

// protoClient drives the line protocol over a TCP connection, holding back
// notifications received while waiting for a response.
type protoClient struct {
	t             *testing.T
	conn          net.Conn
	scanner       *bufio.Scanner
	notifications []map[string]any
}

func dialPool(t *testing.T, addr string) *protoClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial pool: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &protoClient{t: t, conn: conn, scanner: bufio.NewScanner(conn)}
}

func (c *protoClient) call(id int, method string, params []any) map[string]any {
	c.t.Helper()
	req, err := json.Marshal(map[string]any{"id": id, "method": method, "params": params})
	if err != nil {
		c.t.Fatalf("failed to marshal request: %v", err)
	}
	if _, err := c.conn.Write(append(req, '\n')); err != nil {
		c.t.Fatalf("failed to write request: %v", err)
	}

	for c.scanner.Scan() {
		var msg map[string]any
		if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
			c.t.Fatalf("failed to parse line %q: %v", c.scanner.Text(), err)
		}
		if msg["id"] == nil {
			c.notifications = append(c.notifications, msg)
			continue
		}
		if got, ok := msg["id"].(float64); ok && int(got) == id {
			return msg
		}
	}
	c.t.Fatalf("connection closed waiting for response %d: %v", id, c.scanner.Err())
	return nil
}

func startPool(t *testing.T, node *fakeNode) *Pool {
	t.Helper()
	p := New(testConfig(), node, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for p.Server().Addr() == "" || p.templates.Current() == nil {
		if time.Now().After(deadline) {
			t.Fatal("pool did not start in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return p
}

func TestSubmitFlow(t *testing.T) {
	tmpl := testTemplate(1)
	node := &fakeNode{tmpl: tmpl, height: 42}
	p := startPool(t, node)
	client := dialPool(t, p.Server().Addr())

	// Subscribe hands out the session parameters and the current job.
	resp := client.call(1, "subscribe", []any{"miner/1.0"})
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("subscribe result has wrong shape: %v", resp)
	}
	extranonce, _ := result["extranonce"].(string)
	if len(extranonce) != 8 {
		t.Errorf("extranonce = %q, want 8 hex chars", extranonce)
	}
	if diff, _ := result["difficulty"].(float64); diff != 1000 {
		t.Errorf("initial difficulty = %v, want 1000", diff)
	}
	tmplField, ok := result["template"].(map[string]any)
	if !ok {
		t.Fatalf("subscribe response missing template: %v", result)
	}
	if tmplField["job_id"] != "job-1" {
		t.Errorf("template job_id = %v, want job-1", tmplField["job_id"])
	}

	// Submissions before authorize are rejected.
	ntime := uint64(time.Now().Unix())
	resp = client.call(2, "submit", []any{"job-1", "00000000", float64(ntime), "00000001"})
	if resp["error"] == nil {
		t.Fatal("expected error for unauthorized submit")
	}

	resp = client.call(3, "authorize", []any{"miner-1", "rig0"})
	if resp["result"] != true {
		t.Fatalf("authorize result = %v, want true", resp["result"])
	}

	// A submission against an expired job is stale without touching the
	// processor.
	resp = client.call(4, "submit", []any{"job-0", "00000000", float64(ntime), "00000001"})
	if result, _ := resp["result"].(map[string]any); result["status"] != "stale" {
		t.Errorf("expired job status = %v, want stale", resp["result"])
	}

	// A mined share at the session difficulty is accepted.
	nonce := mineNonce(t, tmpl, ntime, 1000)
	resp = client.call(5, "submit", []any{"job-1", nonce, float64(ntime), "00000001"})
	if result, _ := resp["result"].(map[string]any); result["status"] != "valid" {
		t.Fatalf("mined share status = %v, want valid", resp["result"])
	}

	// Resubmitting the identical share is a duplicate.
	resp = client.call(6, "submit", []any{"job-1", nonce, float64(ntime), "00000001"})
	if result, _ := resp["result"].(map[string]any); result["status"] != "duplicate" {
		t.Errorf("resubmitted share status = %v, want duplicate", resp["result"])
	}

	// PPS credits the share immediately: 65536 * 1000 / 1000000 * 0.975.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	balance, err := p.Ledger().Balance(ctx, "miner-1")
	if err != nil {
		t.Fatalf("balance query failed: %v", err)
	}
	want := decimal.RequireFromString("63.8976")
	if !balance.Unconfirmed.Equal(want) {
		t.Errorf("unconfirmed balance = %s, want %s", balance.Unconfirmed, want)
	}

	stats := p.Stats()
	if stats.Shares.Valid != 1 {
		t.Errorf("valid shares = %d, want 1", stats.Shares.Valid)
	}
	if stats.Shares.Duplicate != 1 {
		t.Errorf("duplicate shares = %d, want 1", stats.Shares.Duplicate)
	}
	if stats.Connections != 1 {
		t.Errorf("connections = %d, want 1", stats.Connections)
	}
}

func TestBlockFound(t *testing.T) {
	// Every hash meets a max target, so the first valid share solves the
	// block.
	tmpl := testTemplate(math.MaxUint64)
	node := &fakeNode{tmpl: tmpl, height: 42}

	cfg := testConfig()
	cfg.PayoutScheme = config.SchemeSOLO
	p := New(cfg, node, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.ledger.Start(ctx)
	p.templates.current.Store(tmpl)

	ntime := uint64(time.Now().Unix())
	nonceHex := mineBlockNonce(t, tmpl, ntime, 1000)

	share := testShare(tmpl, nonceHex, ntime)
	res := p.processor.Process(ctx, share)
	if !res.IsBlockSolution {
		t.Fatalf("expected block solution, got %v (%s)", res.Status, res.Reason)
	}

	if node.submittedCount() != 1 {
		t.Fatalf("submitted blocks = %d, want 1", node.submittedCount())
	}
	header, err := nock.ParseHeader(node.submitted[0])
	if err != nil {
		t.Fatalf("submitted header does not parse: %v", err)
	}
	if header.PrevHash != tmpl.PrevHash {
		t.Error("submitted header prev hash mismatch")
	}

	// SOLO pays the finder the full net reward: 65536 * 0.975.
	balance, err := p.Ledger().Balance(ctx, "miner-1")
	if err != nil {
		t.Fatalf("balance query failed: %v", err)
	}
	want := decimal.RequireFromString("63897.6")
	if !balance.Unconfirmed.Equal(want) {
		t.Errorf("finder balance = %s, want %s", balance.Unconfirmed, want)
	}

	// The template is consumed by the solution.
	if p.templates.Current() != nil {
		t.Error("template should be invalidated after a block solution")
	}

	stats := p.Stats()
	if stats.Shares.Blocks != 1 {
		t.Errorf("blocks = %d, want 1", stats.Shares.Blocks)
	}
	if stats.Effort != 1.0 {
		t.Errorf("effort = %v, want 1.0", stats.Effort)
	}
}

// mineBlockNonce finds a nonce meeting only the claimed difficulty; the
// caller pairs it with a permissive block target.
func mineBlockNonce(t *testing.T, tmpl *nock.Template, ntime, claimed uint64) string {
	t.Helper()
	for i := uint64(0); i < 1_000_000; i++ {
		nonce := make([]byte, 8)
		binary.LittleEndian.PutUint64(nonce, i)
		header := &nock.Header{
			Version:    tmpl.Version,
			PrevHash:   tmpl.PrevHash,
			MerkleRoot: tmpl.MerkleRoot,
			NTime:      ntime,
			Difficulty: uint32(claimed),
			Nonce:      nonce,
		}
		if nock.AchievedDifficulty(header.Hash()) >= claimed {
			return hex.EncodeToString(nonce)
		}
	}
	t.Fatal("no suitable nonce found")
	return ""
}

func testShare(tmpl *nock.Template, nonceHex string, ntime uint64) *shareproc.Share {
	return &shareproc.Share{
		MinerID:           "miner-1",
		WorkerName:        "rig0",
		JobID:             tmpl.JobID,
		PrevHash:          tmpl.PrevHash,
		MerkleRoot:        tmpl.MerkleRoot,
		NTime:             ntime,
		NonceHex:          nonceHex,
		ClaimedDifficulty: 1000,
		RemoteAddr:        "127.0.0.1:1",
		SubmittedAt:       time.Now(),
	}
}

func TestTemplateStoreRefresh(t *testing.T) {
	first := testTemplate(1)
	node := &fakeNode{tmpl: first, height: 42}

	var mu sync.Mutex
	var seen []string
	ts := NewTemplateStore(node, func(tmpl *nock.Template) {
		mu.Lock()
		seen = append(seen, tmpl.JobID)
		mu.Unlock()
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.Run(ctx, 50*time.Millisecond)

	waitFor(t, func() bool { return ts.Current() != nil })

	second := testTemplate(1)
	second.JobID = "job-2"
	for i := range second.PrevHash {
		second.PrevHash[i] = 0x33
	}
	node.setTemplate(second)

	ts.Invalidate()
	waitFor(t, func() bool {
		cur := ts.Current()
		return cur != nil && cur.JobID == "job-2"
	})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Errorf("onNew fired %d times, want at least 2", len(seen))
	}
}

func TestIsHealthy(t *testing.T) {
	node := &fakeNode{tmpl: testTemplate(1), height: 42}
	p := New(testConfig(), node, nil, testLogger())

	ctx := context.Background()

	// No template yet.
	if p.IsHealthy(ctx) {
		t.Error("pool with no template should be unhealthy")
	}

	p.templates.current.Store(testTemplate(1))
	if !p.IsHealthy(ctx) {
		t.Error("pool with template and reachable node should be healthy")
	}

	node.mu.Lock()
	node.heightErr = fmt.Errorf("node down")
	node.mu.Unlock()
	if p.IsHealthy(ctx) {
		t.Error("pool with unreachable node should be unhealthy")
	}
}

func TestIsHealthyDurability(t *testing.T) {
	node := &fakeNode{tmpl: testTemplate(1), height: 42}
	p := New(testConfig(), node, nil, testLogger())
	p.templates.current.Store(testTemplate(1))

	ctx := context.Background()

	p.SetDurabilityCheck(func(context.Context) error { return nil })
	if !p.IsHealthy(ctx) {
		t.Error("pool with healthy stores should be healthy")
	}

	p.SetDurabilityCheck(func(context.Context) error { return fmt.Errorf("postgres down") })
	if p.IsHealthy(ctx) {
		t.Error("pool with failing durability layer should be unhealthy")
	}
}

func TestVardiffDisabledKeepsDifficulty(t *testing.T) {
	cfg := testConfig()
	cfg.VardiffEnabled = false
	node := &fakeNode{tmpl: testTemplate(1), height: 42}
	p := New(cfg, node, nil, testLogger())

	client, server := net.Pipe()
	defer func() { _ = client.Close() }()
	session := stratum.NewSession("s1", server, testLogger(), time.Second, time.Second)
	session.SetMinerID("miner-1")
	session.SetDifficulty(1000)

	// Shares arriving far faster than the vardiff target would normally
	// drive the difficulty up.
	for i := 0; i < 50; i++ {
		p.retargetMiner(session)
	}

	if got := session.Difficulty(); got != 1000 {
		t.Errorf("difficulty = %d, want unchanged 1000", got)
	}

	_ = client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Error("no difficulty push expected while vardiff is disabled")
	}
}

func TestHeaderDifficultySaturates(t *testing.T) {
	if got := headerDifficulty(uint64(math.MaxUint32) + 1); got != math.MaxUint32 {
		t.Errorf("headerDifficulty(MaxUint32+1) = %d, want MaxUint32", got)
	}
	if got := headerDifficulty(math.MaxUint64); got != math.MaxUint32 {
		t.Errorf("headerDifficulty(MaxUint64) = %d, want MaxUint32", got)
	}
	if got := headerDifficulty(12345); got != 12345 {
		t.Errorf("headerDifficulty(12345) = %d, want 12345", got)
	}
}

func TestRegisterMinerReplacesSession(t *testing.T) {
	node := &fakeNode{tmpl: testTemplate(1), height: 42}
	p := New(testConfig(), node, nil, testLogger())

	logger := testLogger()
	c1, s1 := net.Pipe()
	defer func() { _ = c1.Close() }()
	c2, s2 := net.Pipe()
	defer func() { _ = c2.Close() }()

	old := stratum.NewSession("s1", s1, logger, time.Second, time.Second)
	replacement := stratum.NewSession("s2", s2, logger, time.Second, time.Second)

	p.registerMiner("miner-1", old)
	p.registerMiner("miner-1", replacement)

	if !old.Closed() {
		t.Error("old session should be closed on reconnect")
	}
	if replacement.Closed() {
		t.Error("replacement session should stay open")
	}
	if p.minerSession("miner-1") != replacement {
		t.Error("registry should point at the replacement session")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
