package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "vaultd/internal/errors"
)

// EthereumConfig describes how to reach the chain node.
type EthereumConfig struct {
	RPCURL string
	// CacheWindow bounds how stale a cached height may be. Expiry is
	// measured in whole heights, so a sub-second cache is harmless and
	// keeps the engine from hammering the node on every instruction.
	CacheWindow time.Duration
}

// EthereumSource reads the block height from an EVM compatible node.
type EthereumSource struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	window    time.Duration

	mu        sync.Mutex
	cached    uint64
	fetchedAt time.Time
}

// NewEthereumSource dials the configured RPC endpoint.
func NewEthereumSource(ctx context.Context, cfg EthereumConfig) (*EthereumSource, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("ethereum rpc url is required")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node: %w", err)
	}

	window := cfg.CacheWindow
	if window <= 0 {
		window = 500 * time.Millisecond
	}

	return &EthereumSource{
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		window:    window,
	}, nil
}

// Height implements HeightSource.
func (s *EthereumSource) Height(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fetchedAt.IsZero() && time.Since(s.fetchedAt) < s.window {
		return s.cached, nil
	}

	height, err := s.eth.BlockNumber(ctx)
	if err != nil {
		return 0, xerrors.Wrap(CodeUnavailable, err, "query block number")
	}
	s.cached = height
	s.fetchedAt = time.Now()
	return height, nil
}

// Close releases the network connection held by the source.
func (s *EthereumSource) Close() {
	if s == nil {
		return
	}
	if s.eth != nil {
		s.eth.Close()
		s.eth = nil
	}
	if s.rpcClient != nil {
		s.rpcClient.Close()
		s.rpcClient = nil
	}
}

var _ HeightSource = (*EthereumSource)(nil)
