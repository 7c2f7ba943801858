package exchange

import (
	"bytes"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

type OracleSource uint8

const (
	OracleSourcePythPull OracleSource = iota
	OracleSourceQuoteAsset
)

type SpotBalanceType uint8

const (
	SpotBalanceDeposit SpotBalanceType = iota
	SpotBalanceBorrow
)

type PriceDivergenceGuardRails struct {
	MarkOraclePercentDivergence     uint64
	OracleTwap5MinPercentDivergence uint64
}

type ValidityGuardRails struct {
	SlotsBeforeStaleForAmm    int64
	SlotsBeforeStaleForMargin int64
	ConfidenceIntervalMaxSize uint64
	TooVolatileRatio          int64
}

type OracleGuardRails struct {
	PriceDivergence PriceDivergenceGuardRails
	Validity        ValidityGuardRails
}

type State struct {
	Admin                        solana.PublicKey
	Signer                       solana.PublicKey
	SignerNonce                  uint8
	NumberOfMarkets              uint16
	NumberOfSpotMarkets          uint16
	LiquidationMarginBufferRatio uint32
	OracleGuardRails             OracleGuardRails
}

type SpotPosition struct {
	ScaledBalance uint64
	MarketIndex   uint16
	BalanceType   SpotBalanceType
}

func (p SpotPosition) IsAvailable() bool {
	return p.ScaledBalance == 0
}

type PerpPosition struct {
	BaseAssetAmount  int64
	QuoteAssetAmount int64
	MarketIndex      uint16
}

func (p PerpPosition) IsAvailable() bool {
	return p.BaseAssetAmount == 0 && p.QuoteAssetAmount == 0
}

type User struct {
	Authority         solana.PublicKey
	Delegate          solana.PublicKey
	SubAccountID      uint16
	SpotPositions     [maxSpotPositions]SpotPosition
	PerpPositions     [maxPerpPositions]PerpPosition
	IsBeingLiquidated bool
}

type UserStats struct {
	Authority           solana.PublicKey
	NumberOfSubAccounts uint16
	FuelDeposits        uint32
	FuelBorrows         uint32
}

type SpotMarket struct {
	Pubkey                     solana.PublicKey
	Oracle                     solana.PublicKey
	Mint                       solana.PublicKey
	Vault                      solana.PublicKey
	MarketIndex                uint16
	Decimals                   uint32
	OracleSource               OracleSource
	InitialAssetWeight         uint32
	MaintenanceAssetWeight     uint32
	InitialLiabilityWeight     uint32
	MaintenanceLiabilityWeight uint32
	FuelBoostDeposits          uint8
	FuelBoostBorrows           uint8
	DepositBalance             bin.Uint128
	BorrowBalance              bin.Uint128
}

type PerpMarket struct {
	Pubkey                 solana.PublicKey
	Oracle                 solana.PublicKey
	MarketIndex            uint16
	OracleSource           OracleSource
	MarginRatioInitial     uint32
	MarginRatioMaintenance uint32
	QuoteSpotMarketIndex   uint16
}

func writeKey(enc *bin.Encoder, key solana.PublicKey) error {
	return enc.WriteBytes(key.Bytes(), false)
}

func readKey(dec *bin.Decoder) (solana.PublicKey, error) {
	raw, err := dec.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}

func checkDiscriminator(dec *bin.Decoder, expected [8]byte, name string) error {
	disc, err := dec.ReadBytes(8)
	if err != nil {
		return err
	}
	if !bytes.Equal(disc, expected[:]) {
		return fmt.Errorf("%w: %s discriminator mismatch", ErrInvalidAccount, name)
	}
	return nil
}

func encode(m interface {
	MarshalWithEncoder(*bin.Encoder) error
}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.MarshalWithEncoder(bin.NewBinEncoder(buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *State) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(StateDiscriminator[:], false); err != nil {
		return err
	}
	if err := writeKey(enc, s.Admin); err != nil {
		return err
	}
	if err := writeKey(enc, s.Signer); err != nil {
		return err
	}
	if err := enc.WriteUint8(s.SignerNonce); err != nil {
		return err
	}
	if err := enc.WriteUint16(s.NumberOfMarkets, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint16(s.NumberOfSpotMarkets, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint32(s.LiquidationMarginBufferRatio, bin.LE); err != nil {
		return err
	}
	rails := s.OracleGuardRails
	if err := enc.WriteUint64(rails.PriceDivergence.MarkOraclePercentDivergence, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint64(rails.PriceDivergence.OracleTwap5MinPercentDivergence, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteInt64(rails.Validity.SlotsBeforeStaleForAmm, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteInt64(rails.Validity.SlotsBeforeStaleForMargin, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint64(rails.Validity.ConfidenceIntervalMaxSize, bin.LE); err != nil {
		return err
	}
	return enc.WriteInt64(rails.Validity.TooVolatileRatio, bin.LE)
}

func (s *State) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if err = checkDiscriminator(dec, StateDiscriminator, "state"); err != nil {
		return err
	}
	if s.Admin, err = readKey(dec); err != nil {
		return err
	}
	if s.Signer, err = readKey(dec); err != nil {
		return err
	}
	if s.SignerNonce, err = dec.ReadUint8(); err != nil {
		return err
	}
	if s.NumberOfMarkets, err = dec.ReadUint16(bin.LE); err != nil {
		return err
	}
	if s.NumberOfSpotMarkets, err = dec.ReadUint16(bin.LE); err != nil {
		return err
	}
	if s.LiquidationMarginBufferRatio, err = dec.ReadUint32(bin.LE); err != nil {
		return err
	}
	rails := &s.OracleGuardRails
	if rails.PriceDivergence.MarkOraclePercentDivergence, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	if rails.PriceDivergence.OracleTwap5MinPercentDivergence, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	if rails.Validity.SlotsBeforeStaleForAmm, err = dec.ReadInt64(bin.LE); err != nil {
		return err
	}
	if rails.Validity.SlotsBeforeStaleForMargin, err = dec.ReadInt64(bin.LE); err != nil {
		return err
	}
	if rails.Validity.ConfidenceIntervalMaxSize, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	rails.Validity.TooVolatileRatio, err = dec.ReadInt64(bin.LE)
	return err
}

func (u *User) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(UserDiscriminator[:], false); err != nil {
		return err
	}
	if err := writeKey(enc, u.Authority); err != nil {
		return err
	}
	if err := writeKey(enc, u.Delegate); err != nil {
		return err
	}
	if err := enc.WriteUint16(u.SubAccountID, bin.LE); err != nil {
		return err
	}
	for _, p := range u.SpotPositions {
		if err := enc.WriteUint64(p.ScaledBalance, bin.LE); err != nil {
			return err
		}
		if err := enc.WriteUint16(p.MarketIndex, bin.LE); err != nil {
			return err
		}
		if err := enc.WriteUint8(uint8(p.BalanceType)); err != nil {
			return err
		}
	}
	for _, p := range u.PerpPositions {
		if err := enc.WriteInt64(p.BaseAssetAmount, bin.LE); err != nil {
			return err
		}
		if err := enc.WriteInt64(p.QuoteAssetAmount, bin.LE); err != nil {
			return err
		}
		if err := enc.WriteUint16(p.MarketIndex, bin.LE); err != nil {
			return err
		}
	}
	return enc.WriteBool(u.IsBeingLiquidated)
}

func (u *User) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if err = checkDiscriminator(dec, UserDiscriminator, "user"); err != nil {
		return err
	}
	if u.Authority, err = readKey(dec); err != nil {
		return err
	}
	if u.Delegate, err = readKey(dec); err != nil {
		return err
	}
	if u.SubAccountID, err = dec.ReadUint16(bin.LE); err != nil {
		return err
	}
	for i := range u.SpotPositions {
		p := &u.SpotPositions[i]
		if p.ScaledBalance, err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
		if p.MarketIndex, err = dec.ReadUint16(bin.LE); err != nil {
			return err
		}
		balanceType, err := dec.ReadUint8()
		if err != nil {
			return err
		}
		p.BalanceType = SpotBalanceType(balanceType)
	}
	for i := range u.PerpPositions {
		p := &u.PerpPositions[i]
		if p.BaseAssetAmount, err = dec.ReadInt64(bin.LE); err != nil {
			return err
		}
		if p.QuoteAssetAmount, err = dec.ReadInt64(bin.LE); err != nil {
			return err
		}
		if p.MarketIndex, err = dec.ReadUint16(bin.LE); err != nil {
			return err
		}
	}
	u.IsBeingLiquidated, err = dec.ReadBool()
	return err
}

func (s *UserStats) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(UserStatsDiscriminator[:], false); err != nil {
		return err
	}
	if err := writeKey(enc, s.Authority); err != nil {
		return err
	}
	if err := enc.WriteUint16(s.NumberOfSubAccounts, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint32(s.FuelDeposits, bin.LE); err != nil {
		return err
	}
	return enc.WriteUint32(s.FuelBorrows, bin.LE)
}

func (s *UserStats) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if err = checkDiscriminator(dec, UserStatsDiscriminator, "user stats"); err != nil {
		return err
	}
	if s.Authority, err = readKey(dec); err != nil {
		return err
	}
	if s.NumberOfSubAccounts, err = dec.ReadUint16(bin.LE); err != nil {
		return err
	}
	if s.FuelDeposits, err = dec.ReadUint32(bin.LE); err != nil {
		return err
	}
	s.FuelBorrows, err = dec.ReadUint32(bin.LE)
	return err
}

func (m *SpotMarket) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(SpotMarketDiscriminator[:], false); err != nil {
		return err
	}
	for _, key := range []solana.PublicKey{m.Pubkey, m.Oracle, m.Mint, m.Vault} {
		if err := writeKey(enc, key); err != nil {
			return err
		}
	}
	if err := enc.WriteUint16(m.MarketIndex, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint32(m.Decimals, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint8(uint8(m.OracleSource)); err != nil {
		return err
	}
	for _, w := range []uint32{m.InitialAssetWeight, m.MaintenanceAssetWeight, m.InitialLiabilityWeight, m.MaintenanceLiabilityWeight} {
		if err := enc.WriteUint32(w, bin.LE); err != nil {
			return err
		}
	}
	if err := enc.WriteUint8(m.FuelBoostDeposits); err != nil {
		return err
	}
	if err := enc.WriteUint8(m.FuelBoostBorrows); err != nil {
		return err
	}
	if err := enc.WriteUint128(m.DepositBalance, bin.LE); err != nil {
		return err
	}
	return enc.WriteUint128(m.BorrowBalance, bin.LE)
}

func (m *SpotMarket) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if err = checkDiscriminator(dec, SpotMarketDiscriminator, "spot market"); err != nil {
		return err
	}
	keys := []*solana.PublicKey{&m.Pubkey, &m.Oracle, &m.Mint, &m.Vault}
	for _, key := range keys {
		if *key, err = readKey(dec); err != nil {
			return err
		}
	}
	if m.MarketIndex, err = dec.ReadUint16(bin.LE); err != nil {
		return err
	}
	if m.Decimals, err = dec.ReadUint32(bin.LE); err != nil {
		return err
	}
	source, err := dec.ReadUint8()
	if err != nil {
		return err
	}
	m.OracleSource = OracleSource(source)
	weights := []*uint32{&m.InitialAssetWeight, &m.MaintenanceAssetWeight, &m.InitialLiabilityWeight, &m.MaintenanceLiabilityWeight}
	for _, w := range weights {
		if *w, err = dec.ReadUint32(bin.LE); err != nil {
			return err
		}
	}
	if m.FuelBoostDeposits, err = dec.ReadUint8(); err != nil {
		return err
	}
	if m.FuelBoostBorrows, err = dec.ReadUint8(); err != nil {
		return err
	}
	if m.DepositBalance, err = dec.ReadUint128(bin.LE); err != nil {
		return err
	}
	m.BorrowBalance, err = dec.ReadUint128(bin.LE)
	return err
}

func (m *PerpMarket) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(PerpMarketDiscriminator[:], false); err != nil {
		return err
	}
	if err := writeKey(enc, m.Pubkey); err != nil {
		return err
	}
	if err := writeKey(enc, m.Oracle); err != nil {
		return err
	}
	if err := enc.WriteUint16(m.MarketIndex, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint8(uint8(m.OracleSource)); err != nil {
		return err
	}
	if err := enc.WriteUint32(m.MarginRatioInitial, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint32(m.MarginRatioMaintenance, bin.LE); err != nil {
		return err
	}
	return enc.WriteUint16(m.QuoteSpotMarketIndex, bin.LE)
}

func (m *PerpMarket) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if err = checkDiscriminator(dec, PerpMarketDiscriminator, "perp market"); err != nil {
		return err
	}
	if m.Pubkey, err = readKey(dec); err != nil {
		return err
	}
	if m.Oracle, err = readKey(dec); err != nil {
		return err
	}
	if m.MarketIndex, err = dec.ReadUint16(bin.LE); err != nil {
		return err
	}
	source, err := dec.ReadUint8()
	if err != nil {
		return err
	}
	m.OracleSource = OracleSource(source)
	if m.MarginRatioInitial, err = dec.ReadUint32(bin.LE); err != nil {
		return err
	}
	if m.MarginRatioMaintenance, err = dec.ReadUint32(bin.LE); err != nil {
		return err
	}
	m.QuoteSpotMarketIndex, err = dec.ReadUint16(bin.LE)
	return err
}

func (s *State) Encode() ([]byte, error)      { return encode(s) }
func (u *User) Encode() ([]byte, error)       { return encode(u) }
func (s *UserStats) Encode() ([]byte, error)  { return encode(s) }
func (m *SpotMarket) Encode() ([]byte, error) { return encode(m) }
func (m *PerpMarket) Encode() ([]byte, error) { return encode(m) }

func DecodeState(data []byte) (*State, error) {
	var out State
	if err := out.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, fmt.Errorf("decode state: %w", wrapInvalid(err))
	}
	return &out, nil
}

func DecodeUser(data []byte) (*User, error) {
	var out User
	if err := out.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, fmt.Errorf("decode user: %w", wrapInvalid(err))
	}
	return &out, nil
}

func DecodeUserStats(data []byte) (*UserStats, error) {
	var out UserStats
	if err := out.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, fmt.Errorf("decode user stats: %w", wrapInvalid(err))
	}
	return &out, nil
}

func DecodeSpotMarket(data []byte) (*SpotMarket, error) {
	var out SpotMarket
	if err := out.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, fmt.Errorf("decode spot market: %w", wrapInvalid(err))
	}
	return &out, nil
}

func DecodePerpMarket(data []byte) (*PerpMarket, error) {
	var out PerpMarket
	if err := out.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, fmt.Errorf("decode perp market: %w", wrapInvalid(err))
	}
	return &out, nil
}

func wrapInvalid(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidAccount, err)
}

// uint128ToBig reads the little-endian halves directly.
func uint128ToBig(v bin.Uint128) *big.Int {
	out := new(big.Int).SetUint64(v.Hi)
	out.Lsh(out, 64)
	return out.Add(out, new(big.Int).SetUint64(v.Lo))
}

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

func bigToUint128(v *big.Int) (bin.Uint128, error) {
	if v.Sign() < 0 || v.Cmp(maxU128) > 0 {
		return bin.Uint128{}, fmt.Errorf("%w: %s does not fit u128", ErrMathError, v)
	}
	mask := new(big.Int).SetUint64(^uint64(0))
	lo := new(big.Int).And(v, mask).Uint64()
	hi := new(big.Int).Rsh(v, 64).Uint64()
	return bin.Uint128{Lo: lo, Hi: hi}, nil
}

// TotalDeposits is the market's deposit balance in token units.
func (m *SpotMarket) TotalDeposits() *big.Int {
	return uint128ToBig(m.DepositBalance)
}

func (m *SpotMarket) TotalBorrows() *big.Int {
	return uint128ToBig(m.BorrowBalance)
}

func (m *SpotMarket) SetTotals(deposits, borrows *big.Int) error {
	dep, err := bigToUint128(deposits)
	if err != nil {
		return err
	}
	bor, err := bigToUint128(borrows)
	if err != nil {
		return err
	}
	m.DepositBalance = dep
	m.BorrowBalance = bor
	return nil
}
