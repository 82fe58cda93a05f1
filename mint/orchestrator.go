// Package mint drives a certificate from an analysis result to an on-chain
// token: wallet connection, payload preparation, off-chain upload, network
// selection, submission and confirmation.
package mint

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"certmint/certerr"
	"certmint/chain"
	"certmint/logger"
	"certmint/metrics"
	"certmint/models"
	"certmint/offchain"
	"certmint/repository"
)

var (
	// ErrInProgress is returned when a draft already has a running attempt.
	ErrInProgress = eris.New("a mint for this certificate is already in progress")
	// ErrNotRetryable is returned when Retry targets an attempt not in error.
	ErrNotRetryable = eris.New("attempt is not in the error state")
	// ErrUnknownAttempt is returned for an attempt id that was never issued.
	ErrUnknownAttempt = eris.New("unknown mint attempt")
)

// ChainGateway is the wallet/chain surface the pipeline needs.
type ChainGateway interface {
	RequestAccount(ctx context.Context, sess chain.Session) (common.Address, error)
	EnsureNetwork(ctx context.Context, sess chain.Session, target models.Network) (chain.NetworkResult, error)
	MintPrice(ctx context.Context, sess chain.Session) (*big.Int, error)
	SubmitMint(ctx context.Context, sess chain.Session, call chain.MintCall) (common.Hash, error)
	AwaitReceipt(ctx context.Context, sess chain.Session, hash common.Hash) (*chain.Receipt, error)
}

// ExistingFinder looks up the on-chain certificate already minted for an
// address. The reconciler implements it.
type ExistingFinder interface {
	FindByAddress(ctx context.Context, sess chain.Session, contractAddress string) (*models.Certificate, error)
}

// Options bounds the pipeline's waits.
type Options struct {
	StepTimeout    time.Duration
	ConfirmTimeout time.Duration
	WaitingNotice  time.Duration
	StatsDefer     time.Duration
	UploadTries    int
	Now            func() time.Time
}

// Orchestrator owns every mint attempt of the process.
type Orchestrator struct {
	store   offchain.Gateway
	chain   ChainGateway
	repo    repository.CertificateRepositoryInterface
	finder  ExistingFinder
	metrics *metrics.Metrics
	opts    Options

	mu       sync.Mutex
	attempts map[string]*Attempt
	drafts   map[string]*Attempt
}

// NewOrchestrator creates an orchestrator. finder and m may be nil.
func NewOrchestrator(store offchain.Gateway, gw ChainGateway, repo repository.CertificateRepositoryInterface,
	finder ExistingFinder, m *metrics.Metrics, opts Options) *Orchestrator {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 5 * time.Minute
	}
	if opts.UploadTries <= 0 {
		opts.UploadTries = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:    store,
		chain:    gw,
		repo:     repo,
		finder:   finder,
		metrics:  m,
		opts:     opts,
		attempts: make(map[string]*Attempt),
		drafts:   make(map[string]*Attempt),
	}
}

// Attempt returns a previously issued attempt.
func (o *Orchestrator) Attempt(id string) (*Attempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.attempts[id]
	return a, ok
}

// Submit starts a mint for req in the background. The run lives as long as
// ctx; callers serving a request should detach it first.
func (o *Orchestrator) Submit(ctx context.Context, sess chain.Session, req models.MintRequest) (*Attempt, error) {
	req.Network = sess.Network.Key

	o.mu.Lock()
	key := req.DraftKey()
	if prev, ok := o.drafts[key]; ok && prev.isRunning() {
		o.mu.Unlock()
		return nil, ErrInProgress
	}
	a := newAttempt(uuid.NewString(), req, o.opts.Now())
	done := a.start(o.opts.Now())
	o.attempts[a.id] = a
	o.drafts[key] = a
	o.mu.Unlock()

	go o.run(ctx, a, sess, done)
	return a, nil
}

// Retry re-runs a failed attempt from the start of the pipeline.
func (o *Orchestrator) Retry(ctx context.Context, sess chain.Session, id string) (*Attempt, error) {
	o.mu.Lock()
	a, ok := o.attempts[id]
	if !ok {
		o.mu.Unlock()
		return nil, ErrUnknownAttempt
	}
	if cur, ok := o.drafts[a.draftKey]; ok && cur.isRunning() {
		o.mu.Unlock()
		return nil, ErrInProgress
	}
	if a.currentState() != StateError {
		o.mu.Unlock()
		return nil, ErrNotRetryable
	}
	done := a.start(o.opts.Now())
	o.drafts[a.draftKey] = a
	o.mu.Unlock()

	go o.run(ctx, a, sess, done)
	return a, nil
}

// Mint runs the pipeline and waits for it to finish. The returned error is
// ErrInProgress or a *StepError describing the failed step.
func (o *Orchestrator) Mint(ctx context.Context, sess chain.Session, req models.MintRequest) (*Attempt, error) {
	a, err := o.Submit(ctx, sess, req)
	if err != nil {
		return nil, err
	}
	snap, err := a.Wait(ctx)
	if err != nil {
		return a, err
	}
	if snap.Failure != nil {
		return a, &StepError{Failure: *snap.Failure}
	}
	return a, nil
}

// StepError surfaces a Failure as an error.
type StepError struct {
	Failure Failure
}

func (e *StepError) Error() string {
	step := string(e.Failure.Step)
	if e.Failure.Phase != "" {
		step += "/" + e.Failure.Phase
	}
	return fmt.Sprintf("mint failed at %s: %s: %s", step, e.Failure.Kind, e.Failure.Message)
}

func (o *Orchestrator) run(ctx context.Context, a *Attempt, sess chain.Session, done chan struct{}) {
	defer a.finish(done)
	o.metrics.MintStarted()

	log := logger.Logger.With(zap.String("attempt", a.id), zap.String("draft", a.draftKey))
	log.Info("Mint started", zap.Int("run", a.Snapshot().Run))

	if !sess.Connected() {
		a.enter(StateConnecting, "", progressConnect, o.opts.Now())
		var acct common.Address
		err := o.await(ctx, a, o.opts.StepTimeout, func(ctx context.Context) error {
			var err error
			acct, err = o.chain.RequestAccount(ctx, sess)
			return err
		})
		if err != nil {
			o.fail(a, StateConnecting, "", err)
			return
		}
		sess = sess.WithAccount(acct)
	}
	a.setAccount(sess.Account.Hex())

	a.enter(StatePreparing, "", progressPrepare, o.opts.Now())
	// Every run of an attempt shapes the same payload, so retried uploads
	// carry the same idempotency key.
	payload, err := models.Normalize(a.req, sess.Account.Hex(), a.started)
	if err != nil {
		o.fail(a, StatePreparing, "", certerr.New(certerr.InvalidInput, err))
		return
	}

	a.enter(StateUploading, "", progressUpload, o.opts.Now())
	stored, err := o.upload(ctx, a, payload)
	if err != nil {
		o.fail(a, StateUploading, "", err)
		return
	}

	a.enter(StateMinting, PhaseNetwork, progressNetwork, o.opts.Now())
	err = o.await(ctx, a, o.opts.StepTimeout, func(ctx context.Context) error {
		_, err := o.chain.EnsureNetwork(ctx, sess, sess.Network)
		return err
	})
	if err != nil {
		o.fail(a, StateMinting, PhaseNetwork, err)
		return
	}

	a.enter(StateMinting, PhaseSubmit, progressSubmit, o.opts.Now())
	call := chain.MintCall{
		ContractAddress: common.HexToAddress(payload.ContractAddress),
		ContractName:    payload.ContractName,
		StorageHash:     stored.Hash,
		SecurityScore:   payload.SecurityScore,
		RiskLevel:       payload.RiskLevel,
		Paid:            payload.AuditType.Paid(),
	}
	paid := new(big.Int)
	if call.Paid {
		err = o.await(ctx, a, o.opts.StepTimeout, func(ctx context.Context) error {
			price, err := o.chain.MintPrice(ctx, sess)
			if err == nil {
				paid.Set(price)
			}
			return err
		})
		if err != nil {
			o.fail(a, StateMinting, PhaseSubmit, err)
			return
		}
		call.Value = paid
	}

	var hash common.Hash
	err = o.await(ctx, a, o.opts.StepTimeout, func(ctx context.Context) error {
		var err error
		hash, err = o.chain.SubmitMint(ctx, sess, call)
		return err
	})
	if err != nil {
		if certerr.Is(err, certerr.AlreadyCertified) && o.surfaceExisting(ctx, a, sess, payload.ContractAddress) {
			return
		}
		o.fail(a, StateMinting, PhaseSubmit, err)
		return
	}
	a.setTxHash(hash.Hex())

	cert := &models.Certificate{
		ContractAddress: payload.ContractAddress,
		ContractName:    payload.ContractName,
		Auditor:         sess.Account.Hex(),
		AuditType:       payload.AuditType,
		RiskLevel:       payload.RiskLevel,
		SecurityScore:   payload.SecurityScore,
		StorageHash:     stored.Hash,
		StorageURL:      stored.URL,
		TimestampMillis: payload.Timestamp,
		PaidAmount:      paid,
		Network:         sess.Network.Key,
		TxHash:          hash.Hex(),
	}
	submitted := *cert
	o.persist(log, &repository.Record{Status: repository.StatusSubmitted, Certificate: submitted, AttemptID: a.id})

	a.enter(StateMinting, PhaseConfirm, progressConfirm, o.opts.Now())
	var receipt *chain.Receipt
	err = o.await(ctx, a, o.opts.ConfirmTimeout, func(ctx context.Context) error {
		var err error
		receipt, err = o.chain.AwaitReceipt(ctx, sess, hash)
		return err
	})
	if err != nil {
		if certerr.Is(err, certerr.AlreadyCertified) && o.surfaceExisting(ctx, a, sess, payload.ContractAddress) {
			return
		}
		o.fail(a, StateMinting, PhaseConfirm, err)
		return
	}

	cert.OnChain = true
	id, err := chain.ExtractTokenID(receipt.Logs)
	if err != nil {
		cert.TokenID = big.NewInt(o.opts.Now().UnixMilli())
		cert.Placeholder = true
		log.Warn("Minted but no identifier in receipt, using placeholder",
			zap.String("tx", hash.Hex()), zap.String("placeholder", cert.TokenID.String()), zap.Error(err))
	} else {
		cert.TokenID = id
	}
	o.persist(log, &repository.Record{Status: repository.StatusMinted, Certificate: *cert, AttemptID: a.id})

	if o.opts.StatsDefer > 0 {
		flag := repository.RecentMintFlag(sess.Network.Key, sess.Account.Hex())
		if err := o.repo.SetFlag(flag, o.opts.Now().Add(o.opts.StatsDefer)); err != nil {
			log.Warn("Failed to set recent-mint flag", zap.Error(err))
		}
	}

	a.succeed(cert, false, o.opts.Now())
	o.metrics.MintSucceeded(cert.Placeholder)
	log.Info("Mint succeeded",
		zap.String("token_id", cert.TokenID.String()),
		zap.Bool("placeholder", cert.Placeholder),
		zap.Uint64("block", receipt.BlockNumber))
}

// await runs fn under timeout and flags the attempt as waiting once the
// notice threshold passes. It never retries.
func (o *Orchestrator) await(ctx context.Context, a *Attempt, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var notice *time.Timer
	var noticed sync.WaitGroup
	if o.opts.WaitingNotice > 0 {
		noticed.Add(1)
		notice = time.AfterFunc(o.opts.WaitingNotice, func() {
			defer noticed.Done()
			a.setWaiting(true)
		})
	}
	err := fn(ctx)
	if notice != nil {
		if notice.Stop() {
			noticed.Done()
		}
		// A notice already firing must land before the flag is cleared.
		noticed.Wait()
	}
	a.setWaiting(false)
	return err
}

// upload stores the payload. Uploads are idempotent, so StorageUnavailable
// may be retried up to UploadTries; nothing else is.
func (o *Orchestrator) upload(ctx context.Context, a *Attempt, payload models.CertificatePayload) (*offchain.Receipt, error) {
	var (
		stored *offchain.Receipt
		err    error
	)
	for try := 1; try <= o.opts.UploadTries; try++ {
		err = o.await(ctx, a, o.opts.StepTimeout, func(ctx context.Context) error {
			var err error
			stored, err = o.store.Store(ctx, payload)
			return err
		})
		if err == nil {
			return stored, nil
		}
		if !certerr.Is(err, certerr.StorageUnavailable) || ctx.Err() != nil {
			break
		}
		logger.Logger.Warn("Upload failed", zap.String("attempt", a.id), zap.Int("try", try), zap.Error(err))
	}
	if certerr.KindOf(err) == certerr.Unknown {
		err = certerr.New(certerr.StorageUnavailable, err)
	}
	return nil, err
}

// surfaceExisting ends the run in success with the certificate the chain
// already holds for the address. It reports false when none could be found.
func (o *Orchestrator) surfaceExisting(ctx context.Context, a *Attempt, sess chain.Session, address string) bool {
	if o.finder == nil {
		return false
	}
	var existing *models.Certificate
	err := o.await(ctx, a, o.opts.StepTimeout, func(ctx context.Context) error {
		var err error
		existing, err = o.finder.FindByAddress(ctx, sess, address)
		return err
	})
	if err != nil || existing == nil {
		logger.Logger.Warn("Contract already certified but existing certificate not found",
			zap.String("attempt", a.id), zap.String("contract", address), zap.Error(err))
		return false
	}
	a.succeed(existing, true, o.opts.Now())
	o.metrics.MintSucceeded(false)
	logger.Logger.Info("Contract already certified, surfaced existing certificate",
		zap.String("attempt", a.id), zap.String("token_id", existing.TokenID.String()))
	return true
}

func (o *Orchestrator) persist(log *zap.Logger, rec *repository.Record) {
	rec.WrittenAt = o.opts.Now().UnixMilli()
	err := o.repo.PutRecord(rec)
	if err != nil && !errors.Is(err, repository.ErrRecordExists) {
		log.Error("Failed to write local certificate record", zap.String("status", string(rec.Status)), zap.Error(err))
	}
}

func (o *Orchestrator) fail(a *Attempt, step State, phase string, err error) {
	kind := certerr.KindOf(err)
	f := &Failure{
		Kind:    kind,
		Message: err.Error(),
		Step:    step,
		Phase:   phase,
		Reason:  certerr.ReasonOf(err),
	}
	a.fail(f, o.opts.Now())
	o.metrics.MintFailed(string(kind), string(step))
	logger.Logger.Error("Mint failed",
		zap.String("attempt", a.id),
		zap.String("step", string(step)),
		zap.String("phase", phase),
		zap.String("kind", string(kind)),
		zap.Error(err))
}
