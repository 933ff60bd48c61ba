package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// OnChainOptions parameterise the on-chain price provider.
type OnChainOptions struct {
	RPCURL string
	// Feeds maps asset identifiers to Chainlink-compatible aggregator
	// contract addresses.
	Feeds   map[string]string
	Timeout time.Duration
}

// OnChain reads prices from on-chain oracle aggregators via Ethereum RPC.
// It serves tickers only; products and news fall through to other providers.
type OnChain struct {
	opts      OnChainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewOnChain builds an on-chain provider.
func NewOnChain(opts OnChainOptions, logger zerolog.Logger) *OnChain {
	return &OnChain{opts: opts, logger: logger.With().Str("component", "onchain_provider").Logger()}
}

// Name identifies the provider in chain ordering and logs.
func (o *OnChain) Name() string { return "onchain" }

// FetchTicker reads the latest oracle round for the asset's feed.
func (o *OnChain) FetchTicker(ctx context.Context, assetID string) (Ticker, error) {
	feed, ok := o.opts.Feeds[assetID]
	if !ok {
		return Ticker{}, ErrNotSupported
	}
	if o.opts.RPCURL == "" {
		return Ticker{}, errors.New("onchain rpc url not configured")
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return Ticker{}, err
	}

	addr := common.HexToAddress(feed)

	answer, updatedAt, err := o.latestRoundData(ctx, client, addr)
	if err != nil {
		return Ticker{}, err
	}
	feedDecimals, err := o.feedDecimals(ctx, client, addr)
	if err != nil {
		return Ticker{}, err
	}

	if answer.Sign() <= 0 {
		return Ticker{}, fmt.Errorf("%w: oracle answer not positive for %q", ErrInvalidResponse, assetID)
	}

	return Ticker{
		Symbol:    strings.ToUpper(assetID),
		Price:     decimal.NewFromBigInt(answer, -int32(feedDecimals)),
		Timestamp: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

// FetchProducts is not supported on-chain.
func (o *OnChain) FetchProducts(ctx context.Context) ([]Product, error) {
	return nil, ErrNotSupported
}

// FetchNews is not supported on-chain.
func (o *OnChain) FetchNews(ctx context.Context, category string, limit int) ([]NewsItem, error) {
	return nil, ErrNotSupported
}

// Probe checks RPC reachability.
func (o *OnChain) Probe(ctx context.Context) error {
	if o.opts.RPCURL == "" {
		return errors.New("onchain rpc url not configured")
	}
	client, err := o.getClient(ctx)
	if err != nil {
		return err
	}
	_, err = client.BlockNumber(ctx)
	return err
}

func (o *OnChain) latestRoundData(ctx context.Context, client *ethclient.Client, addr common.Address) (*big.Int, *big.Int, error) {
	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return nil, nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, nil, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(outputs) != 5 {
		return nil, nil, fmt.Errorf("%w: unexpected latestRoundData arity", ErrInvalidResponse)
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("%w: failed to decode oracle answer", ErrInvalidResponse)
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("%w: failed to decode oracle timestamp", ErrInvalidResponse)
	}
	return answer, updatedAt, nil
}

func (o *OnChain) feedDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (uint8, error) {
	payload, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, err
	}

	outputs, err := aggregatorABI.Unpack("decimals", res)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(outputs) != 1 {
		return 0, fmt.Errorf("%w: unexpected decimals response", ErrInvalidResponse)
	}
	feedDecimals, ok := outputs[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: failed to decode feed decimals", ErrInvalidResponse)
	}
	return feedDecimals, nil
}

func (o *OnChain) getClient(ctx context.Context) (*ethclient.Client, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	o.client = client
	return client, nil
}

var _ Client = (*OnChain)(nil)
