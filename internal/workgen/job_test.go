package workgen

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gomp/internal/bitcoin"
)

// fakeRPC implements bitcoin.RPCInterface with a single controllable
// template, enough to exercise the generator without a live node.
type fakeRPC struct {
	template *btcjson.GetBlockTemplateResult
	err      error
}

func newFakeRPC(prevHash string, height int64) *fakeRPC {
	value := int64(5_000_000_000)
	return &fakeRPC{
		template: &btcjson.GetBlockTemplateResult{
			Version:       1,
			PreviousHash:  prevHash,
			Bits:          "1d00ffff",
			Height:        height,
			CurTime:       1700000000,
			Target:        "00000000ffff0000000000000000000000000000000000000000000000000000",
			CoinbaseValue: &value,
			Transactions:  []btcjson.GetBlockTemplateResultTx{},
		},
	}
}

func (f *fakeRPC) GetBlockTemplate(context.Context) (*btcjson.GetBlockTemplateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.template, nil
}
func (f *fakeRPC) GetBlockCount(context.Context) (int64, error)          { return f.template.Height, nil }
func (f *fakeRPC) GetBestBlockHash(context.Context) (string, error)      { return f.template.PreviousHash, nil }
func (f *fakeRPC) GetBlock(context.Context, string) (*btcjson.GetBlockVerboseResult, error) {
	return &btcjson.GetBlockVerboseResult{}, nil
}
func (f *fakeRPC) GetNetworkInfo(context.Context) (*btcjson.GetNetworkInfoResult, error) {
	return &btcjson.GetNetworkInfoResult{}, nil
}
func (f *fakeRPC) GetDifficulty(context.Context) (float64, error) { return 1.0, nil }
func (f *fakeRPC) GetMiningInfo(context.Context) (*btcjson.GetMiningInfoResult, error) {
	return &btcjson.GetMiningInfoResult{}, nil
}
func (f *fakeRPC) GetBlockchainInfo(context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	return &btcjson.GetBlockChainInfoResult{}, nil
}
func (f *fakeRPC) SubmitBlock(context.Context, string) error        { return nil }
func (f *fakeRPC) ValidateAddress(context.Context, string) (bool, error) { return true, nil }
func (f *fakeRPC) Ping(context.Context) error                       { return nil }

func (f *fakeRPC) CreateCoinbaseTransaction(_ context.Context, blockHeight int64, coinbaseValue int64, extraNonce1 string, poolAddress string) (*wire.MsgTx, string, string, error) {
	return bitcoin.CreateCoinbaseTransaction(blockHeight, coinbaseValue, extraNonce1, poolAddress, &chaincfg.MainNetParams)
}

func (f *fakeRPC) CalculateMerkleRoot(_ context.Context, txHashes []string) (string, error) {
	hashes := make([]chainhash.Hash, len(txHashes))
	for i, s := range txHashes {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return "", err
		}
		hashes[i] = *h
	}
	root := bitcoin.CalculateMerkleRoot(hashes)
	return root.String(), nil
}

func (f *fakeRPC) GetMerkleBranch(_ context.Context, txHashes []string) ([]string, error) {
	if len(txHashes) <= 1 {
		return []string{}, nil
	}
	hashes := make([]chainhash.Hash, len(txHashes))
	for i, s := range txHashes {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, err
		}
		hashes[i] = *h
	}
	branch := bitcoin.GetMerkleBranch(hashes, 0)
	out := make([]string, len(branch))
	for i, h := range branch {
		out[i] = h.String()
	}
	return out, nil
}

func (f *fakeRPC) Close() {}

var _ bitcoin.RPCInterface = (*fakeRPC)(nil)

func TestGenerateJobPopulatesFields(t *testing.T) {
	rpc := newFakeRPC("00000000000000000000000000000000000000000000000000000000000000aa", 100)
	g := NewGenerator(rpc, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", 10)

	job, err := g.GenerateJob(context.Background())
	if err != nil {
		t.Fatalf("GenerateJob: %v", err)
	}
	if job.ID == "" || len(job.ID) != 64 {
		t.Fatalf("job id should be a 256-bit hex value, got %q", job.ID)
	}
	if job.Height != 100 {
		t.Fatalf("height: got %d, want 100", job.Height)
	}
	if !job.CleanJobs {
		t.Fatal("first job should always be clean_jobs=true")
	}
	if job.CoinbasePrefixHex == "" || job.CoinbaseSuffixHex == "" {
		t.Fatal("coinbase split hex fields should be populated")
	}
}

func TestGenerateJobTwoDistinctIDs(t *testing.T) {
	rpc := newFakeRPC("aa", 100)
	g := NewGenerator(rpc, "", 10)

	j1, _ := g.GenerateJob(context.Background())
	j2, _ := g.GenerateJob(context.Background())
	if j1.ID == j2.ID {
		t.Fatal("successive jobs must not share an id")
	}
}

func TestGenerateJobCleanOnlyWhenPrevHashChanges(t *testing.T) {
	rpc := newFakeRPC("aa", 100)
	g := NewGenerator(rpc, "", 10)

	g.GenerateJob(context.Background()) // first job, always clean
	second, _ := g.GenerateJob(context.Background())
	if second.CleanJobs {
		t.Fatal("clean_jobs should be false when prev_hash is unchanged")
	}

	rpc.template.PreviousHash = "bb"
	third, _ := g.GenerateJob(context.Background())
	if !third.CleanJobs {
		t.Fatal("clean_jobs should be true once prev_hash changes")
	}
}

func TestCurrentAndLookup(t *testing.T) {
	rpc := newFakeRPC("aa", 100)
	g := NewGenerator(rpc, "", 1)

	j1, _ := g.GenerateJob(context.Background())
	j2, _ := g.GenerateJob(context.Background())
	j3, _ := g.GenerateJob(context.Background())

	if g.Current().ID != j3.ID {
		t.Fatal("Current should be the most recently generated job")
	}
	if _, ok := g.Lookup(j2.ID); !ok {
		t.Fatal("j2 should still be resolvable from the recent-jobs window")
	}
	if _, ok := g.Lookup(j1.ID); ok {
		t.Fatal("j1 should have been evicted once the window exceeded its cap")
	}
}

func TestGenerateJobPropagatesRPCError(t *testing.T) {
	rpc := newFakeRPC("aa", 100)
	rpc.err = errors.New("node unreachable")
	g := NewGenerator(rpc, "", 10)

	if _, err := g.GenerateJob(context.Background()); err == nil {
		t.Fatal("expected error to propagate from GetBlockTemplate")
	}
}

func TestAssembleCoinbaseTxRoundTrips(t *testing.T) {
	rpc := newFakeRPC("aa", 100)
	g := NewGenerator(rpc, "", 10)
	job, err := g.GenerateJob(context.Background())
	if err != nil {
		t.Fatalf("GenerateJob: %v", err)
	}

	tx, err := AssembleCoinbaseTx(job, "deadbeef", "00000001")
	if err != nil {
		t.Fatalf("AssembleCoinbaseTx: %v", err)
	}
	if len(tx.TxIn) != 1 {
		t.Fatalf("expected exactly one coinbase input, got %d", len(tx.TxIn))
	}
}
