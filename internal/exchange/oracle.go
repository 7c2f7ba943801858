package exchange

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// PriceUpdateV2Size is the encoded size of a fully verified price update.
const PriceUpdateV2Size = 8 + 32 + 1 + 32 + 8 + 8 + 4 + 8 + 8 + 8 + 8 + 8

type OraclePriceData struct {
	FeedID      [32]byte
	Price       int64
	Confidence  uint64
	PublishTime int64
	PostedSlot  uint64
}

// PriceUpdate is the raw content of a price update account.
type PriceUpdate struct {
	WriteAuthority  solana.PublicKey
	FeedID          [32]byte
	Price           int64
	Conf            uint64
	Exponent        int32
	PublishTime     int64
	PrevPublishTime int64
	EmaPrice        int64
	EmaConf         uint64
	PostedSlot      uint64
}

func (p *PriceUpdate) Encode() []byte {
	buf := make([]byte, 0, PriceUpdateV2Size)
	buf = append(buf, priceUpdateV2Disc[:]...)
	buf = append(buf, p.WriteAuthority.Bytes()...)
	buf = append(buf, 1) // Full verification
	buf = append(buf, p.FeedID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Price))
	buf = binary.LittleEndian.AppendUint64(buf, p.Conf)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Exponent))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.PublishTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.PrevPublishTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.EmaPrice))
	buf = binary.LittleEndian.AppendUint64(buf, p.EmaConf)
	buf = binary.LittleEndian.AppendUint64(buf, p.PostedSlot)
	return buf
}

// DecodePriceUpdateAccount decodes a price update and rescales its price to
// PricePrecision.
func DecodePriceUpdateAccount(owner solana.PublicKey, data []byte) (*OraclePriceData, error) {
	if !owner.Equals(PythReceiverProgramID) {
		return nil, fmt.Errorf("%w: owner mismatch (%s)", ErrInvalidOracle, owner)
	}
	if len(data) < len(priceUpdateV2Disc) {
		return nil, fmt.Errorf("%w: payload too short", ErrInvalidOracle)
	}
	if !bytes.Equal(data[:8], priceUpdateV2Disc[:]) {
		return nil, fmt.Errorf("%w: discriminator mismatch", ErrInvalidOracle)
	}

	offset := 8
	if len(data) < offset+32 {
		return nil, fmt.Errorf("%w: missing write authority", ErrInvalidOracle)
	}
	offset += 32 // write_authority

	if len(data) < offset+1 {
		return nil, fmt.Errorf("%w: missing verification level", ErrInvalidOracle)
	}
	verificationVariant := data[offset]
	offset++
	switch verificationVariant {
	case 1: // Full
	case 0:
		return nil, fmt.Errorf("%w: verification level is partial", ErrInvalidOracle)
	default:
		return nil, fmt.Errorf("%w: unknown verification level %d", ErrInvalidOracle, verificationVariant)
	}

	feedID, offset, err := readFixed32(data, offset)
	if err != nil {
		return nil, err
	}
	price, offset, err := readI64(data, offset)
	if err != nil {
		return nil, err
	}
	conf, offset, err := readU64(data, offset)
	if err != nil {
		return nil, err
	}
	exponent, offset, err := readI32(data, offset)
	if err != nil {
		return nil, err
	}
	publishTime, offset, err := readI64(data, offset)
	if err != nil {
		return nil, err
	}
	offset += 8 + 8 + 8 // prev_publish_time, ema_price, ema_conf
	postedSlot, offset, err := readU64(data, offset)
	if err != nil {
		return nil, err
	}
	if offset != len(data) {
		return nil, fmt.Errorf("%w: trailing bytes in payload", ErrInvalidOracle)
	}

	scaledPrice, err := scaleSigned(price, exponent)
	if err != nil {
		return nil, err
	}
	scaledConf, err := scaleUnsigned(new(big.Int).SetUint64(conf), exponent, true)
	if err != nil {
		return nil, err
	}
	if !scaledConf.IsUint64() {
		return nil, fmt.Errorf("%w: scaled confidence overflow", ErrInvalidOracle)
	}

	return &OraclePriceData{
		FeedID:      feedID,
		Price:       scaledPrice,
		Confidence:  scaledConf.Uint64(),
		PublishTime: publishTime,
		PostedSlot:  postedSlot,
	}, nil
}

// QuoteAssetPrice is the fixed price of the quote market.
func QuoteAssetPrice(slot uint64) *OraclePriceData {
	return &OraclePriceData{Price: PricePrecision, PostedSlot: slot}
}

func readFixed32(data []byte, offset int) ([32]byte, int, error) {
	if len(data) < offset+32 {
		return [32]byte{}, offset, fmt.Errorf("%w: truncated feed id", ErrInvalidOracle)
	}
	var out [32]byte
	copy(out[:], data[offset:offset+32])
	return out, offset + 32, nil
}

func readU64(data []byte, offset int) (uint64, int, error) {
	if len(data) < offset+8 {
		return 0, offset, fmt.Errorf("%w: truncated u64 field", ErrInvalidOracle)
	}
	return binary.LittleEndian.Uint64(data[offset : offset+8]), offset + 8, nil
}

func readI64(data []byte, offset int) (int64, int, error) {
	u, next, err := readU64(data, offset)
	if err != nil {
		return 0, offset, err
	}
	return int64(u), next, nil
}

func readI32(data []byte, offset int) (int32, int, error) {
	if len(data) < offset+4 {
		return 0, offset, fmt.Errorf("%w: truncated i32 field", ErrInvalidOracle)
	}
	return int32(binary.LittleEndian.Uint32(data[offset : offset+4])), offset + 4, nil
}

func scaleSigned(price int64, exponent int32) (int64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("%w: non-positive oracle price", ErrInvalidOracle)
	}
	scaled, err := scaleUnsigned(big.NewInt(price), exponent, false)
	if err != nil {
		return 0, err
	}
	if scaled.Sign() <= 0 || !scaled.IsInt64() {
		return 0, fmt.Errorf("%w: scaled oracle price overflow", ErrInvalidOracle)
	}
	return scaled.Int64(), nil
}

func scaleUnsigned(value *big.Int, exponent int32, ceil bool) (*big.Int, error) {
	if exponent > 38 || exponent < -38 {
		return nil, fmt.Errorf("%w: unsupported oracle exponent %d", ErrInvalidOracle, exponent)
	}
	abs := int64(exponent)
	if abs < 0 {
		abs = -abs
	}
	tenPow := new(big.Int).Exp(big.NewInt(10), big.NewInt(abs), nil)
	precision := big.NewInt(PricePrecision)

	if exponent >= 0 {
		out := new(big.Int).Mul(value, tenPow)
		return out.Mul(out, precision), nil
	}

	numerator := new(big.Int).Mul(value, precision)
	if ceil {
		numerator.Add(numerator, new(big.Int).Sub(tenPow, big.NewInt(1)))
	}
	return numerator.Div(numerator, tenPow), nil
}
