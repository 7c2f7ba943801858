package exchange

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/coldbell/autorepay/internal/svm"
	"github.com/gagliardetto/solana-go"
)

type SpotMarketEntry struct {
	Account *svm.AccountRef
	Market  *SpotMarket
}

type PerpMarketEntry struct {
	Account *svm.AccountRef
	Market  *PerpMarket
}

type OracleMap struct {
	Slot       uint64
	GuardRails OracleGuardRails
	prices     map[solana.PublicKey]*OraclePriceData
}

func (m *OracleMap) Get(key solana.PublicKey) (*OraclePriceData, bool) {
	price, ok := m.prices[key]
	return price, ok
}

func (m *OracleMap) Len() int {
	return len(m.prices)
}

// PriceFor resolves and validates the price used for a market.
func (m *OracleMap) PriceFor(source OracleSource, oracle solana.PublicKey) (*OraclePriceData, error) {
	if source == OracleSourceQuoteAsset {
		return QuoteAssetPrice(m.Slot), nil
	}
	price, ok := m.prices[oracle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOracleNotFound, oracle)
	}
	if err := m.validate(oracle, price); err != nil {
		return nil, err
	}
	return price, nil
}

func (m *OracleMap) validate(oracle solana.PublicKey, price *OraclePriceData) error {
	if price.Price <= 0 {
		return fmt.Errorf("%w: %s non-positive price", ErrInvalidOracle, oracle)
	}
	validity := m.GuardRails.Validity
	if validity.ConfidenceIntervalMaxSize > 0 {
		confBps := new(big.Int).SetUint64(price.Confidence)
		confBps.Mul(confBps, big.NewInt(PercentagePrecisionBps))
		confBps.Div(confBps, big.NewInt(price.Price))
		if confBps.Cmp(new(big.Int).SetUint64(validity.ConfidenceIntervalMaxSize)) > 0 {
			return fmt.Errorf("%w: %s confidence %s bps too wide", ErrInvalidOracle, oracle, confBps)
		}
	}
	if validity.SlotsBeforeStaleForMargin > 0 && m.Slot > price.PostedSlot &&
		m.Slot-price.PostedSlot > uint64(validity.SlotsBeforeStaleForMargin) {
		return fmt.Errorf("%w: %s posted at slot %d, now %d", ErrStaleOracle, oracle, price.PostedSlot, m.Slot)
	}
	return nil
}

type SpotMarketMap map[uint16]*SpotMarketEntry

type PerpMarketMap map[uint16]*PerpMarketEntry

type MarketMaps struct {
	Oracles     *OracleMap
	SpotMarkets SpotMarketMap
	PerpMarkets PerpMarketMap
}

// LoadMarketMaps consumes remaining accounts in the order the exchange
// expects: oracles, then spot markets, then perp markets. Spot markets named
// in writable must be passed writable.
func LoadMarketMaps(remaining []*svm.AccountRef, programID solana.PublicKey, slot uint64, rails OracleGuardRails, writable ...uint16) (*MarketMaps, error) {
	maps := &MarketMaps{
		Oracles: &OracleMap{
			Slot:       slot,
			GuardRails: rails,
			prices:     make(map[solana.PublicKey]*OraclePriceData),
		},
		SpotMarkets: make(SpotMarketMap),
		PerpMarkets: make(PerpMarketMap),
	}

	i := 0
	for ; i < len(remaining); i++ {
		ref := remaining[i]
		if !ref.IsOwnedBy(PythReceiverProgramID) {
			break
		}
		price, err := DecodePriceUpdateAccount(ref.Owner(), ref.Data())
		if err != nil {
			return nil, fmt.Errorf("oracle %s: %w", ref.Key, err)
		}
		maps.Oracles.prices[ref.Key] = price
	}

	for ; i < len(remaining); i++ {
		ref := remaining[i]
		if !ref.IsOwnedBy(programID) || !hasDiscriminator(ref.Data(), SpotMarketDiscriminator) {
			break
		}
		market, err := DecodeSpotMarket(ref.Data())
		if err != nil {
			return nil, err
		}
		if !market.Pubkey.Equals(ref.Key) {
			return nil, fmt.Errorf("%w: spot market %d stored at %s", ErrInvalidAccount, market.MarketIndex, ref.Key)
		}
		if containsIndex(writable, market.MarketIndex) && !ref.IsWritable {
			return nil, fmt.Errorf("%w: market %d", ErrSpotMarketWrongMutability, market.MarketIndex)
		}
		maps.SpotMarkets[market.MarketIndex] = &SpotMarketEntry{Account: ref, Market: market}
	}

	for ; i < len(remaining); i++ {
		ref := remaining[i]
		if !ref.IsOwnedBy(programID) || !hasDiscriminator(ref.Data(), PerpMarketDiscriminator) {
			break
		}
		market, err := DecodePerpMarket(ref.Data())
		if err != nil {
			return nil, err
		}
		maps.PerpMarkets[market.MarketIndex] = &PerpMarketEntry{Account: ref, Market: market}
	}

	for _, index := range writable {
		if _, ok := maps.SpotMarkets[index]; !ok {
			return nil, fmt.Errorf("%w: market %d", ErrSpotMarketNotFound, index)
		}
	}
	return maps, nil
}

// Commit writes a spot market back to its account.
func (e *SpotMarketEntry) Commit() error {
	data, err := e.Market.Encode()
	if err != nil {
		return err
	}
	return e.Account.SetData(data)
}

func hasDiscriminator(data []byte, disc [8]byte) bool {
	return len(data) >= 8 && bytes.Equal(data[:8], disc[:])
}

func containsIndex(indexes []uint16, target uint16) bool {
	for _, index := range indexes {
		if index == target {
			return true
		}
	}
	return false
}

func NewOracleMap(slot uint64, rails OracleGuardRails) *OracleMap {
	return &OracleMap{Slot: slot, GuardRails: rails, prices: make(map[solana.PublicKey]*OraclePriceData)}
}

func (m *OracleMap) Set(key solana.PublicKey, price *OraclePriceData) {
	m.prices[key] = price
}
