package vault

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/coldbell/autorepay/internal/dex"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// AccountSize is discriminator + owner + bump.
const AccountSize = 8 + solana.PublicKeyLength + 1

var (
	AccountDiscriminator = dex.AnchorAccountDiscriminator("Vault")

	ErrInvalidVault       = errors.New("invalid vault")
	ErrInvalidAccountData = errors.New("invalid vault account data")
)

type Account struct {
	Owner solana.PublicKey
	Bump  uint8
}

func Derive(programID solana.PublicKey, owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return dex.DeriveVaultPDA(programID, owner)
}

func DeriveTokenAccount(programID solana.PublicKey, vaultKey solana.PublicKey, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return dex.DeriveVaultTokenAccountPDA(programID, vaultKey, mint)
}

// SignerSeeds is the seed set the vault signs every CPI with.
func SignerSeeds(owner solana.PublicKey, bump uint8) [][]byte {
	return [][]byte{dex.VaultSeed(), owner.Bytes(), {bump}}
}

// TokenAccountSignerSeeds lets the program sign the creation of a vault-scoped token account.
func TokenAccountSignerSeeds(vaultKey solana.PublicKey, mint solana.PublicKey, bump uint8) [][]byte {
	return [][]byte{vaultKey.Bytes(), mint.Bytes(), {bump}}
}

func (a *Account) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteBytes(AccountDiscriminator[:], false); err != nil {
		return err
	}
	if err := encoder.WriteBytes(a.Owner.Bytes(), false); err != nil {
		return err
	}
	return encoder.WriteUint8(a.Bump)
}

func (a *Account) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	disc, err := decoder.ReadBytes(8)
	if err != nil {
		return err
	}
	if !bytes.Equal(disc, AccountDiscriminator[:]) {
		return fmt.Errorf("%w: discriminator mismatch", ErrInvalidAccountData)
	}
	owner, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}
	a.Owner = solana.PublicKeyFromBytes(owner)
	a.Bump, err = decoder.ReadUint8()
	return err
}

func (a *Account) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := a.MarshalWithEncoder(bin.NewBinEncoder(buf)); err != nil {
		return nil, fmt.Errorf("encode vault: %w", err)
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (*Account, error) {
	if len(data) < AccountSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidAccountData, len(data))
	}
	var out Account
	if err := out.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccountData, err)
	}
	return &out, nil
}

// Verify reproduces the vault address from the stored bump and checks the
// supplied owner against the stored one.
func Verify(programID solana.PublicKey, vaultKey solana.PublicKey, state *Account, owner solana.PublicKey) error {
	if state == nil {
		return fmt.Errorf("%w: missing state", ErrInvalidVault)
	}
	expected, err := solana.CreateProgramAddress(SignerSeeds(state.Owner, state.Bump), programID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVault, err)
	}
	if !expected.Equals(vaultKey) {
		return fmt.Errorf("%w: address %s does not match derived %s", ErrInvalidVault, vaultKey, expected)
	}
	if !owner.Equals(state.Owner) {
		return fmt.Errorf("%w: owner %s is not %s", ErrInvalidVault, owner, state.Owner)
	}
	return nil
}
