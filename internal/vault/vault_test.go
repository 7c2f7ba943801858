package vault

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProgramID = solana.MustPublicKeyFromBase58("AutoRepay1111111111111111111111111111111111")

func TestEncodeDecode(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	_, bump, err := Derive(testProgramID, owner)
	require.NoError(t, err)

	data, err := (&Account{Owner: owner, Bump: bump}).Encode()
	require.NoError(t, err)
	require.Len(t, data, AccountSize)
	assert.Equal(t, AccountDiscriminator[:], data[:8])

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, owner, decoded.Owner)
	assert.Equal(t, bump, decoded.Bump)
}

func TestDecodeRejectsForeignData(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	assert.ErrorIs(t, err, ErrInvalidAccountData)

	_, err = Decode(make([]byte, AccountSize))
	assert.ErrorIs(t, err, ErrInvalidAccountData)
}

func TestVerify(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	key, bump, err := Derive(testProgramID, owner)
	require.NoError(t, err)
	state := &Account{Owner: owner, Bump: bump}

	require.NoError(t, Verify(testProgramID, key, state, owner))

	other := solana.NewWallet().PublicKey()
	assert.ErrorIs(t, Verify(testProgramID, key, state, other), ErrInvalidVault)
	assert.ErrorIs(t, Verify(testProgramID, other, state, owner), ErrInvalidVault)
	assert.ErrorIs(t, Verify(solana.SystemProgramID, key, state, owner), ErrInvalidVault)
	assert.ErrorIs(t, Verify(testProgramID, key, nil, owner), ErrInvalidVault)

	otherKey, _, err := Derive(testProgramID, other)
	require.NoError(t, err)
	assert.NotEqual(t, key, otherKey)
}

func TestSignerSeedsDeriveVault(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	key, bump, err := Derive(testProgramID, owner)
	require.NoError(t, err)
	fromSeeds, err := solana.CreateProgramAddress(SignerSeeds(owner, bump), testProgramID)
	require.NoError(t, err)
	assert.Equal(t, key, fromSeeds)

	mint := solana.NewWallet().PublicKey()
	tokenKey, tokenBump, err := DeriveTokenAccount(testProgramID, key, mint)
	require.NoError(t, err)
	fromSeeds, err = solana.CreateProgramAddress(TokenAccountSignerSeeds(key, mint, tokenBump), testProgramID)
	require.NoError(t, err)
	assert.Equal(t, tokenKey, fromSeeds)
}
