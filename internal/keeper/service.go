package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/coldbell/autorepay/internal/autorepay"
	"github.com/coldbell/autorepay/internal/config"
	"github.com/coldbell/autorepay/internal/journal"
	"github.com/coldbell/autorepay/internal/jupiter"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
)

// Journal records submitted batches and their outcome.
type Journal interface {
	Record(ctx context.Context, attempt journal.Attempt) error
	Resolve(ctx context.Context, signature string, status journal.Status, slot uint64, postHealth *uint8, errText string) error
}

type Service struct {
	cfg       config.KeeperConfig
	rpc       *rpc.Client
	jupiter   *jupiter.Client
	program   *autorepay.Program
	signer    solana.PrivateKey
	owners    []solana.PublicKey
	ownerKeys map[solana.PublicKey]solana.PrivateKey
	journal   Journal
	logger    *slog.Logger
}

func New(cfg config.KeeperConfig, j Journal, logger *slog.Logger) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}
	keypairs := make([]solana.PrivateKey, 0, len(cfg.OwnerKeypairPaths))
	for _, path := range cfg.OwnerKeypairPaths {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
		if err != nil {
			return nil, fmt.Errorf("load owner keypair %q: %w", path, err)
		}
		keypairs = append(keypairs, key)
	}
	owners, ownerKeys, err := resolveOwners(signer, cfg.Owners, keypairs)
	if err != nil {
		return nil, err
	}
	if j == nil {
		j = discardJournal{}
	}

	return &Service{
		cfg:     cfg,
		rpc:     rpc.New(cfg.RPCURL),
		jupiter: jupiter.NewClient(cfg.JupiterAPIURL, cfg.JupiterAPIKey, cfg.JupiterRPS),
		program: autorepay.NewProgram(
			cfg.Programs.AutoRepayProgramID,
			cfg.Programs.ExchangeProgramID,
			cfg.Programs.AggregatorProgramID,
		),
		signer:    signer,
		owners:    owners,
		ownerKeys: ownerKeys,
		journal:   j,
		logger:    logger,
	}, nil
}

// resolveOwners picks the vaults to watch and the keys that sign for them.
// Deposit and Withdraw are signed by the owner, so an owner is only usable
// when it is the keeper itself or one of the loaded owner keypairs. With no
// owners configured the keeper watches the keypair owners, or else its own
// vault.
func resolveOwners(signer solana.PrivateKey, configured []solana.PublicKey, keypairs []solana.PrivateKey) ([]solana.PublicKey, map[solana.PublicKey]solana.PrivateKey, error) {
	keys := make(map[solana.PublicKey]solana.PrivateKey, len(keypairs))
	derived := make([]solana.PublicKey, 0, len(keypairs))
	for _, key := range keypairs {
		pub := key.PublicKey()
		if _, ok := keys[pub]; ok {
			continue
		}
		keys[pub] = key
		derived = append(derived, pub)
	}

	owners := configured
	switch {
	case len(owners) > 0:
	case len(derived) > 0:
		owners = derived
	default:
		owners = []solana.PublicKey{signer.PublicKey()}
	}
	for _, owner := range owners {
		if owner.Equals(signer.PublicKey()) {
			continue
		}
		if _, ok := keys[owner]; !ok {
			return nil, nil, fmt.Errorf("owner %s has no signing keypair (KEEPER_OWNER_KEYPAIRS)", owner)
		}
	}
	return owners, keys, nil
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"caller", s.signer.PublicKey(),
		"owners", len(s.owners),
		"trigger_health", s.cfg.TriggerHealth,
		"auto_repay_program", s.program.ID,
	)

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	repaid := 0
	skipped := 0
	failed := 0
	for _, owner := range s.owners {
		if ctx.Err() != nil {
			return
		}
		err := s.processOwner(ctx, owner)
		switch {
		case err == nil:
			repaid++
		case errors.Is(err, errSkipOwner):
			skipped++
			s.logger.Debug("owner skipped", "owner", owner, "reason", err)
		default:
			failed++
			s.logger.Warn("auto-repay failed", "owner", owner, "err", err)
		}
	}

	s.logger.Info("keeper tick complete",
		"owners", len(s.owners),
		"repaid", repaid,
		"skipped", skipped,
		"failed", failed,
	)
}

func (s *Service) processOwner(ctx context.Context, owner solana.PublicKey) error {
	accounts, err := deriveOwnerAccounts(s.program, owner)
	if err != nil {
		return err
	}
	snap, err := s.fetchSnapshot(ctx, accounts)
	if err != nil {
		return err
	}
	repay, err := planRepay(snap, s.cfg.TriggerHealth, s.cfg.MaxRepay)
	if err != nil {
		return err
	}

	quote, err := s.jupiter.Quote(ctx, jupiter.QuoteRequest{
		InputMint:   s.cfg.CollateralMint,
		OutputMint:  s.cfg.RepayMint,
		Amount:      repay,
		SlippageBps: s.cfg.SlippageBps,
		SwapMode:    jupiter.SwapModeExactOut,
		MaxAccounts: clampMaxAccounts(s.cfg.JupiterMaxAccounts),
	})
	if err != nil {
		return fmt.Errorf("quote %d out: %w", repay, err)
	}
	maxIn, err := quoteMaxIn(quote)
	if err != nil {
		return err
	}
	if maxIn > snap.collateral {
		return fmt.Errorf("%w: quoted input %d exceeds vault collateral %d", errSkipOwner, maxIn, snap.collateral)
	}

	caller := s.signer.PublicKey()
	callerTokenAccount, _, err := solana.FindAssociatedTokenAddress(caller, s.cfg.CollateralMint)
	if err != nil {
		return fmt.Errorf("derive caller token account: %w", err)
	}
	startBalance, err := s.tokenBalance(ctx, callerTokenAccount)
	if err != nil {
		return err
	}
	if startBalance < maxIn {
		return fmt.Errorf("%w: caller balance %d below quoted input %d", errSkipOwner, startBalance, maxIn)
	}
	ownerRepayAccount, _, err := solana.FindAssociatedTokenAddress(owner, s.cfg.RepayMint)
	if err != nil {
		return fmt.Errorf("derive owner repay account: %w", err)
	}

	swap, err := s.jupiter.SwapInstructions(ctx, quote, caller, ownerRepayAccount)
	if err != nil {
		return fmt.Errorf("swap instructions: %w", err)
	}
	batch, err := autorepay.BuildBatch(autorepay.BatchParams{
		ProgramID:                    s.program.ID,
		Caller:                       caller,
		CallerCollateralTokenAccount: callerTokenAccount,
		StartBalance:                 startBalance,
		Owner:                        owner,
		OwnerRepayTokenAccount:       ownerRepayAccount,
		CollateralMint:               s.cfg.CollateralMint,
		CollateralMarketIndex:        s.cfg.CollateralMarketIndex,
		RepayMint:                    s.cfg.RepayMint,
		Swap:                         swap.SwapInstruction,
		ExchangeProgramID:            s.program.ExchangeProgramID,
		Markets:                      s.markets(),
	})
	if err != nil {
		return fmt.Errorf("build batch: %w", err)
	}

	instructions, err := s.computeBudgetInstructions()
	if err != nil {
		return err
	}
	instructions = append(instructions, swap.SetupInstructions...)
	instructions = append(instructions, batch...)
	if swap.CleanupInstruction != nil {
		instructions = append(instructions, swap.CleanupInstruction)
	}

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	tx, err := s.signTransaction(txCtx, instructions)
	if err != nil {
		return err
	}
	signature := tx.Signatures[0]
	attempt := journal.Attempt{
		Signature:    signature.String(),
		Owner:        owner.String(),
		Vault:        accounts.vault.String(),
		Caller:       caller.String(),
		Status:       journal.StatusSubmitted,
		PreHealth:    snap.health.Buffered,
		RepayAmount:  repay,
		CollateralIn: maxIn,
		StartBalance: startBalance,
		Slot:         snap.slot,
	}
	if err := s.journal.Record(ctx, attempt); err != nil {
		s.logger.Warn("journal record failed", "signature", signature, "err", err)
	}

	if err := s.sendTransaction(txCtx, tx); err != nil {
		s.resolve(ctx, signature, journal.StatusFailed, 0, nil, err)
		return fmt.Errorf("send transaction: %w", err)
	}

	confirmCtx, cancelConfirm := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancelConfirm()
	slot, err := s.waitForConfirmation(confirmCtx, signature)
	if err != nil {
		s.resolve(ctx, signature, journal.StatusFailed, slot, nil, err)
		return fmt.Errorf("wait confirmation %s: %w", signature, err)
	}

	var postHealth *uint8
	if post, err := s.fetchSnapshot(ctx, accounts); err != nil {
		s.logger.Warn("post-repay snapshot failed", "owner", owner, "err", err)
	} else {
		postHealth = &post.health.Buffered
	}
	s.resolve(ctx, signature, journal.StatusConfirmed, slot, postHealth, nil)

	s.logger.Info("auto-repay confirmed",
		"owner", owner,
		"vault", accounts.vault,
		"repay", repay,
		"collateral_in", maxIn,
		"pre_health", snap.health.Buffered,
		"post_health", postHealth,
		"slot", slot,
		"signature", signature,
	)
	return nil
}

func (s *Service) resolve(ctx context.Context, sig solana.Signature, status journal.Status, slot uint64, postHealth *uint8, cause error) {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	if err := s.journal.Resolve(ctx, sig.String(), status, slot, postHealth, errText); err != nil {
		s.logger.Warn("journal resolve failed", "signature", sig, "err", err)
	}
}

func (s *Service) tokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	resp, err := s.rpc.GetTokenAccountBalance(ctx, account, s.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("%w: token balance of %s: %v", errSkipOwner, account, err)
	}
	if resp == nil || resp.Value == nil {
		return 0, fmt.Errorf("%w: token account %s not found", errSkipOwner, account)
	}
	amount, err := strconv.ParseUint(resp.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token balance of %s: %w", account, err)
	}
	return amount, nil
}

func (s *Service) computeBudgetInstructions() ([]solana.Instruction, error) {
	instructions := make([]solana.Instruction, 0, 2)
	if s.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, cuLimitIx)
	}
	if s.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, cuPriceIx)
	}
	return instructions, nil
}

func (s *Service) signTransaction(ctx context.Context, instructions []solana.Instruction) (*solana.Transaction, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return nil, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(s.signer.PublicKey()),
	)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.signer.PublicKey().Equals(key) {
			return &s.signer
		}
		if ownerKey, ok := s.ownerKeys[key]; ok {
			return &ownerKey
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

func (s *Service) sendTransaction(ctx context.Context, tx *solana.Transaction) error {
	opts := rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}
	if s.cfg.MaxRetries != nil {
		retries := *s.cfg.MaxRetries
		opts.MaxRetries = &retries
	}
	_, err := s.rpc.SendTransactionWithOpts(ctx, tx, opts)
	return err
}

// quoteMaxIn is the most collateral an exact-out quote may consume after
// slippage.
func quoteMaxIn(quote *jupiter.QuoteResponse) (uint64, error) {
	if quote.SwapMode != "" && quote.SwapMode != jupiter.SwapModeExactOut {
		return 0, fmt.Errorf("quote swap mode %q, want %s", quote.SwapMode, jupiter.SwapModeExactOut)
	}
	if quote.OtherAmountThreshold != "" {
		v, err := strconv.ParseUint(quote.OtherAmountThreshold, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse quote threshold: %w", err)
		}
		return v, nil
	}
	v, err := quote.InAmountValue()
	if err != nil {
		return 0, fmt.Errorf("parse quote input: %w", err)
	}
	return v, nil
}

func clampMaxAccounts(v int) uint8 {
	if v <= 0 {
		return 0
	}
	if v > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(v)
}

type discardJournal struct{}

func (discardJournal) Record(context.Context, journal.Attempt) error { return nil }

func (discardJournal) Resolve(context.Context, string, journal.Status, uint64, *uint8, string) error {
	return nil
}
