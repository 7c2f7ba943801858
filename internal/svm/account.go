package svm

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

type Account struct {
	Lamports   uint64
	Owner      solana.PublicKey
	Data       []byte
	Executable bool
}

func (a *Account) clone() *Account {
	out := *a
	if a.Data != nil {
		out.Data = append([]byte(nil), a.Data...)
	}
	return &out
}

// AccountRef is an instruction's view of an account: the shared account state
// plus the signer/writable privileges the instruction was granted.
type AccountRef struct {
	Key        solana.PublicKey
	IsSigner   bool
	IsWritable bool

	account *Account
	program solana.PublicKey
}

func (r *AccountRef) Lamports() uint64 {
	return r.account.Lamports
}

func (r *AccountRef) Owner() solana.PublicKey {
	return r.account.Owner
}

func (r *AccountRef) Executable() bool {
	return r.account.Executable
}

// Data returns the account bytes. Callers must not write through the slice;
// use MutableData.
func (r *AccountRef) Data() []byte {
	return r.account.Data
}

func (r *AccountRef) IsOwnedBy(program solana.PublicKey) bool {
	return r.account.Owner.Equals(program)
}

func (r *AccountRef) canModifyData() error {
	if !r.IsWritable {
		return fmt.Errorf("%w: %s", ErrReadonlyDataModified, r.Key)
	}
	if !r.account.Owner.Equals(r.program) {
		return fmt.Errorf("%w: %s owned by %s", ErrExternalDataModified, r.Key, r.account.Owner)
	}
	return nil
}

func (r *AccountRef) MutableData() ([]byte, error) {
	if err := r.canModifyData(); err != nil {
		return nil, err
	}
	return r.account.Data, nil
}

func (r *AccountRef) SetData(data []byte) error {
	if err := r.canModifyData(); err != nil {
		return err
	}
	r.account.Data = append([]byte(nil), data...)
	return nil
}

// SetOwner hands the account to another program. The account data must be
// zeroed, as the runtime requires for assign.
func (r *AccountRef) SetOwner(owner solana.PublicKey) error {
	if err := r.canModifyData(); err != nil {
		return err
	}
	for _, b := range r.account.Data {
		if b != 0 {
			return fmt.Errorf("%w: %s has non-zero data", ErrExternalDataModified, r.Key)
		}
	}
	r.account.Owner = owner
	return nil
}

func (r *AccountRef) AddLamports(amount uint64) error {
	if !r.IsWritable {
		return fmt.Errorf("%w: %s", ErrReadonlyLamportChange, r.Key)
	}
	next := r.account.Lamports + amount
	if next < r.account.Lamports {
		return ErrArithmeticOverflow
	}
	r.account.Lamports = next
	return nil
}

func (r *AccountRef) SubLamports(amount uint64) error {
	if !r.IsWritable {
		return fmt.Errorf("%w: %s", ErrReadonlyLamportChange, r.Key)
	}
	if !r.account.Owner.Equals(r.program) {
		return fmt.Errorf("%w: %s owned by %s", ErrExternalLamportSpend, r.Key, r.account.Owner)
	}
	if r.account.Lamports < amount {
		return fmt.Errorf("%w: %s has %d lamports, need %d", ErrInsufficientFunds, r.Key, r.account.Lamports, amount)
	}
	r.account.Lamports -= amount
	return nil
}

// MoveLamports debits r and credits to in one step.
func (r *AccountRef) MoveLamports(to *AccountRef, amount uint64) error {
	if err := r.SubLamports(amount); err != nil {
		return err
	}
	if err := to.AddLamports(amount); err != nil {
		r.account.Lamports += amount
		return err
	}
	return nil
}

// DetachedAccountRef wraps an account fetched outside any bank, such as over
// RPC, for read-only decoding. Every mutation fails.
func DetachedAccountRef(key solana.PublicKey, account Account, writable bool) *AccountRef {
	return &AccountRef{Key: key, IsWritable: writable, account: account.clone(), program: SysvarOwnerID}
}
