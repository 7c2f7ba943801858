package dex

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

var (
	vaultSeed           = []byte("vault")
	exchangeStateSeed   = []byte("drift_state")
	exchangeSignerSeed  = []byte("drift_signer")
	exchangeUserSeed    = []byte("user")
	exchangeStatsSeed   = []byte("user_stats")
	spotMarketSeed      = []byte("spot_market")
	spotMarketVaultSeed = []byte("spot_market_vault")
	perpMarketSeed      = []byte("perp_market")
	poolAuthoritySeed   = []byte("pool_authority")
)

func VaultSeed() []byte {
	return append([]byte(nil), vaultSeed...)
}

func DeriveVaultPDA(autoRepayProgramID solana.PublicKey, owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{vaultSeed, owner.Bytes()}, autoRepayProgramID)
}

func DeriveVaultTokenAccountPDA(autoRepayProgramID solana.PublicKey, vault solana.PublicKey, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{vault.Bytes(), mint.Bytes()}, autoRepayProgramID)
}

func DeriveExchangeStatePDA(exchangeProgramID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{exchangeStateSeed}, exchangeProgramID)
}

func DeriveExchangeSignerPDA(exchangeProgramID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{exchangeSignerSeed}, exchangeProgramID)
}

func ExchangeSignerSeeds(bump uint8) [][]byte {
	return [][]byte{exchangeSignerSeed, {bump}}
}

func DeriveExchangeUserPDA(exchangeProgramID solana.PublicKey, authority solana.PublicKey, subAccountID uint16) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{exchangeUserSeed, authority.Bytes(), u16LE(subAccountID)}, exchangeProgramID)
}

func DeriveExchangeUserStatsPDA(exchangeProgramID solana.PublicKey, authority solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{exchangeStatsSeed, authority.Bytes()}, exchangeProgramID)
}

func DeriveSpotMarketPDA(exchangeProgramID solana.PublicKey, marketIndex uint16) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{spotMarketSeed, u16LE(marketIndex)}, exchangeProgramID)
}

func DeriveSpotMarketVaultPDA(exchangeProgramID solana.PublicKey, marketIndex uint16) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{spotMarketVaultSeed, u16LE(marketIndex)}, exchangeProgramID)
}

func DerivePerpMarketPDA(exchangeProgramID solana.PublicKey, marketIndex uint16) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{perpMarketSeed, u16LE(marketIndex)}, exchangeProgramID)
}

func DerivePoolAuthorityPDA(aggregatorProgramID solana.PublicKey, pool solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{poolAuthoritySeed, pool.Bytes()}, aggregatorProgramID)
}

func PoolAuthoritySeeds(pool solana.PublicKey, bump uint8) [][]byte {
	return [][]byte{poolAuthoritySeed, pool.Bytes(), {bump}}
}

// AnchorInstructionDiscriminator is sha256("global:<name>")[:8].
func AnchorInstructionDiscriminator(ixName string) [8]byte {
	return anchorDiscriminator("global:" + ixName)
}

// AnchorAccountDiscriminator is sha256("account:<Name>")[:8].
func AnchorAccountDiscriminator(accountName string) [8]byte {
	return anchorDiscriminator("account:" + accountName)
}

func anchorDiscriminator(preimage string) [8]byte {
	hash := sha256.Sum256([]byte(preimage))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func u16LE(value uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return buf
}
