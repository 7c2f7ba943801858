// Package introspect reads sibling instructions of the running batch from the
// instructions sysvar.
package introspect

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	flagIsSigner   = 1 << 0
	flagIsWritable = 1 << 1
)

var (
	ErrDeserialization       = errors.New("instructions sysvar deserialization failed")
	ErrInstructionOutOfRange = errors.New("instruction index out of range")
	ErrUnexpectedInstruction = errors.New("unexpected sibling instruction")
)

type AccountMeta struct {
	Pubkey     solana.PublicKey
	IsSigner   bool
	IsWritable bool
}

type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// Account returns the pubkey at a positional account slot.
func (ix *Instruction) Account(position int) (solana.PublicKey, error) {
	if position < 0 || position >= len(ix.Accounts) {
		return solana.PublicKey{}, fmt.Errorf("%w: account %d of %d", ErrDeserialization, position, len(ix.Accounts))
	}
	return ix.Accounts[position].Pubkey, nil
}

func FromSolana(ix solana.Instruction) (Instruction, error) {
	data, err := ix.Data()
	if err != nil {
		return Instruction{}, fmt.Errorf("instruction data: %w", err)
	}
	metas := ix.Accounts()
	out := Instruction{
		ProgramID: ix.ProgramID(),
		Accounts:  make([]AccountMeta, 0, len(metas)),
		Data:      append([]byte(nil), data...),
	}
	for _, meta := range metas {
		out.Accounts = append(out.Accounts, AccountMeta{
			Pubkey:     meta.PublicKey,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
		})
	}
	return out, nil
}

// Serialize lays out instructions the way the runtime stores them in the
// sysvar, with a trailing current-index slot set to zero.
func Serialize(ixs []Instruction) ([]byte, error) {
	if len(ixs) > 0xffff {
		return nil, fmt.Errorf("too many instructions: %d", len(ixs))
	}
	bodies := make([][]byte, 0, len(ixs))
	for i := range ixs {
		body, err := serializeInstruction(&ixs[i])
		if err != nil {
			return nil, fmt.Errorf("serialize instruction %d: %w", i, err)
		}
		bodies = append(bodies, body)
	}

	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint16(uint16(len(ixs)), bin.LE); err != nil {
		return nil, err
	}
	offset := 2 + 2*len(ixs)
	for _, body := range bodies {
		if offset > 0xffff {
			return nil, fmt.Errorf("instructions sysvar exceeds u16 offsets")
		}
		if err := enc.WriteUint16(uint16(offset), bin.LE); err != nil {
			return nil, err
		}
		offset += len(body)
	}
	for _, body := range bodies {
		if err := enc.WriteBytes(body, false); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteUint16(0, bin.LE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func serializeInstruction(ix *Instruction) ([]byte, error) {
	if len(ix.Accounts) > 0xffff || len(ix.Data) > 0xffff {
		return nil, fmt.Errorf("instruction too large")
	}
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint16(uint16(len(ix.Accounts)), bin.LE); err != nil {
		return nil, err
	}
	for _, meta := range ix.Accounts {
		var flags uint8
		if meta.IsSigner {
			flags |= flagIsSigner
		}
		if meta.IsWritable {
			flags |= flagIsWritable
		}
		if err := enc.WriteUint8(flags); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(meta.Pubkey.Bytes(), false); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteBytes(ix.ProgramID.Bytes(), false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint16(uint16(len(ix.Data)), bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(ix.Data, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func StoreCurrentIndex(data []byte, index uint16) error {
	if len(data) < 2 {
		return fmt.Errorf("%w: sysvar too short", ErrDeserialization)
	}
	binary.LittleEndian.PutUint16(data[len(data)-2:], index)
	return nil
}

func CurrentIndex(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: sysvar too short", ErrDeserialization)
	}
	return binary.LittleEndian.Uint16(data[len(data)-2:]), nil
}

func Count(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: sysvar too short", ErrDeserialization)
	}
	return binary.LittleEndian.Uint16(data[:2]), nil
}

func LoadAt(data []byte, index uint16) (*Instruction, error) {
	count, err := Count(data)
	if err != nil {
		return nil, err
	}
	if index >= count {
		return nil, fmt.Errorf("%w: %d of %d", ErrInstructionOutOfRange, index, count)
	}
	offsetPos := 2 + 2*int(index)
	if len(data) < offsetPos+2 {
		return nil, fmt.Errorf("%w: truncated offset table", ErrDeserialization)
	}
	start := int(binary.LittleEndian.Uint16(data[offsetPos : offsetPos+2]))
	if start >= len(data) {
		return nil, fmt.Errorf("%w: offset %d beyond sysvar", ErrDeserialization, start)
	}

	decoder := bin.NewBinDecoder(data[start:])
	numAccounts, err := decoder.ReadUint16(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("%w: account count: %v", ErrDeserialization, err)
	}
	out := &Instruction{Accounts: make([]AccountMeta, 0, numAccounts)}
	for i := 0; i < int(numAccounts); i++ {
		flags, err := decoder.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("%w: account %d flags: %v", ErrDeserialization, i, err)
		}
		key, err := decoder.ReadBytes(solana.PublicKeyLength)
		if err != nil {
			return nil, fmt.Errorf("%w: account %d key: %v", ErrDeserialization, i, err)
		}
		out.Accounts = append(out.Accounts, AccountMeta{
			Pubkey:     solana.PublicKeyFromBytes(key),
			IsSigner:   flags&flagIsSigner != 0,
			IsWritable: flags&flagIsWritable != 0,
		})
	}
	programID, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, fmt.Errorf("%w: program id: %v", ErrDeserialization, err)
	}
	out.ProgramID = solana.PublicKeyFromBytes(programID)
	dataLen, err := decoder.ReadUint16(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("%w: data length: %v", ErrDeserialization, err)
	}
	ixData, err := decoder.ReadBytes(int(dataLen))
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrDeserialization, err)
	}
	out.Data = append([]byte(nil), ixData...)
	return out, nil
}

// LoadRelative loads the instruction at current+offset.
func LoadRelative(data []byte, offset int) (*Instruction, error) {
	current, err := CurrentIndex(data)
	if err != nil {
		return nil, err
	}
	target := int(current) + offset
	if target < 0 || target > 0xffff {
		return nil, fmt.Errorf("%w: current %d offset %d", ErrInstructionOutOfRange, current, offset)
	}
	return LoadAt(data, uint16(target))
}

func MatchDiscriminator(data []byte, expected [8]byte) bool {
	return len(data) >= len(expected) && bytes.Equal(data[:len(expected)], expected[:])
}

// ReadU64FromEnd reads a little-endian u64 starting fromEnd bytes before the
// end of data.
func ReadU64FromEnd(data []byte, fromEnd int) (uint64, error) {
	start, err := tailOffset(data, fromEnd, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data[start : start+8]), nil
}

func ReadU16FromEnd(data []byte, fromEnd int) (uint16, error) {
	start, err := tailOffset(data, fromEnd, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data[start : start+2]), nil
}

func ReadU8FromEnd(data []byte, fromEnd int) (uint8, error) {
	start, err := tailOffset(data, fromEnd, 1)
	if err != nil {
		return 0, err
	}
	return data[start], nil
}

func ReadU64(data []byte, offset int) (uint64, error) {
	if offset < 0 || len(data) < offset+8 {
		return 0, fmt.Errorf("%w: u64 at %d of %d", ErrDeserialization, offset, len(data))
	}
	return binary.LittleEndian.Uint64(data[offset : offset+8]), nil
}

func tailOffset(data []byte, fromEnd int, width int) (int, error) {
	if fromEnd < width || fromEnd > len(data) {
		return 0, fmt.Errorf("%w: %d-byte field %d bytes from end of %d", ErrDeserialization, width, fromEnd, len(data))
	}
	return len(data) - fromEnd, nil
}

// Expect loads the sibling at current+offset and checks its program id and
// discriminator.
func Expect(sysvarData []byte, offset int, programID solana.PublicKey, discriminator [8]byte) (*Instruction, error) {
	ix, err := LoadRelative(sysvarData, offset)
	if err != nil {
		if errors.Is(err, ErrInstructionOutOfRange) {
			return nil, fmt.Errorf("%w: no instruction at offset %d: %v", ErrUnexpectedInstruction, offset, err)
		}
		return nil, err
	}
	if !ix.ProgramID.Equals(programID) {
		return nil, fmt.Errorf("%w: offset %d program %s, want %s", ErrUnexpectedInstruction, offset, ix.ProgramID, programID)
	}
	if !MatchDiscriminator(ix.Data, discriminator) {
		return nil, fmt.Errorf("%w: offset %d discriminator mismatch", ErrUnexpectedInstruction, offset)
	}
	return ix, nil
}
