// Package reconcile merges the certificates the chain reports for an account
// with the local fallback records written at mint time.
package reconcile

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"certmint/chain"
	"certmint/logger"
	"certmint/metrics"
	"certmint/models"
	"certmint/repository"
)

// ChainReader is the read side of the chain gateway.
type ChainReader interface {
	TokensOf(ctx context.Context, sess chain.Session, owner common.Address) ([]*big.Int, error)
	Certificate(ctx context.Context, sess chain.Session, id *big.Int) (*models.Certificate, error)
	Stats(ctx context.Context, sess chain.Session) (*models.Stats, error)
}

// Listing is the merged, ordered view of an account's certificates.
type Listing struct {
	Certificates []*models.Certificate `json:"certificates"`
	// Degraded is set when chain reads failed and only local records are shown.
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degradedReason,omitempty"`
}

// Options tunes the chain read fan-out.
type Options struct {
	Concurrency   int
	ReadsPerSec   float64
	ReadBurst     int
	PromoteSweeps bool
	Now           func() time.Time
}

type Reconciler struct {
	chain   ChainReader
	repo    repository.CertificateRepositoryInterface
	metrics *metrics.Metrics
	opts    Options
	limiter *rate.Limiter
}

// NewReconciler creates a reconciler. m may be nil.
func NewReconciler(reader ChainReader, repo repository.CertificateRepositoryInterface, m *metrics.Metrics, opts Options) *Reconciler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ReadBurst <= 0 {
		opts.ReadBurst = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limit := rate.Inf
	if opts.ReadsPerSec > 0 {
		limit = rate.Limit(opts.ReadsPerSec)
	}
	return &Reconciler{
		chain:   reader,
		repo:    repo,
		metrics: m,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.ReadBurst),
	}
}

// LoadCertificates returns the certificates for the session's account on the
// session's network, newest first. Chain read failures degrade the result to
// local records instead of failing; only a local store failure is an error.
func (r *Reconciler) LoadCertificates(ctx context.Context, sess chain.Session) (*Listing, error) {
	records, err := r.repo.ListRecords(sess.Network.Key)
	if err != nil {
		return nil, err
	}
	local := collapse(records)

	if !sess.Connected() {
		listing := &Listing{Certificates: certificates(local)}
		sortNewestFirst(listing.Certificates)
		r.metrics.Reconciled("local", 0, len(listing.Certificates))
		return listing, nil
	}

	onChain, err := r.fetchOnChain(ctx, sess)
	if err != nil {
		logger.Logger.Warn("Chain reads failed, listing local records only",
			zap.String("account", sess.Account.Hex()),
			zap.String("network", sess.Network.Key),
			zap.Error(err))
		listing := &Listing{Certificates: certificates(local), Degraded: true, DegradedReason: err.Error()}
		sortNewestFirst(listing.Certificates)
		r.metrics.Reconciled("degraded", 0, len(listing.Certificates))
		return listing, nil
	}

	merged, appended := r.merge(sess, onChain, local)
	sortNewestFirst(merged)
	r.metrics.Reconciled("merged", len(onChain), appended)
	return &Listing{Certificates: merged}, nil
}

func (r *Reconciler) fetchOnChain(ctx context.Context, sess chain.Session) ([]*models.Certificate, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ids, err := r.chain.TokensOf(ctx, sess, sess.Account)
	if err != nil {
		return nil, err
	}

	certs := make([]*models.Certificate, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			c, err := r.chain.Certificate(gctx, sess, id)
			if err != nil {
				return err
			}
			c.OnChain = true
			c.Placeholder = false
			c.Network = sess.Network.Key
			c.TimestampMillis = models.NormalizeMillis(c.TimestampMillis)
			certs[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return certs, nil
}

// merge appends every local record whose identifier the chain did not report.
// Unconfirmed records for an address the chain already certified are the
// same logical certificate; they are hidden and, when sweeps are enabled, the
// chain-backed copy is persisted in place of each of them.
func (r *Reconciler) merge(sess chain.Session, onChain []*models.Certificate, local []*repository.Record) ([]*models.Certificate, int) {
	ids := make(map[string]struct{}, len(onChain))
	byAddress := make(map[string]*models.Certificate, len(onChain))
	for _, c := range onChain {
		ids[c.TokenID.String()] = struct{}{}
		byAddress[strings.ToLower(c.ContractAddress)] = c
	}

	merged := make([]*models.Certificate, 0, len(onChain)+len(local))
	merged = append(merged, onChain...)
	appended := 0
	superseded := make(map[string][]*repository.Record)
	var addresses []string
	for _, rec := range local {
		c := rec.Certificate
		if c.Confirmed() {
			if _, ok := ids[c.TokenID.String()]; ok {
				continue
			}
		} else if _, ok := byAddress[strings.ToLower(c.ContractAddress)]; ok {
			address := strings.ToLower(c.ContractAddress)
			if _, seen := superseded[address]; !seen {
				addresses = append(addresses, address)
			}
			superseded[address] = append(superseded[address], rec)
			continue
		}
		c.OnChain = false
		merged = append(merged, &c)
		appended++
	}

	if r.opts.PromoteSweeps {
		for _, address := range addresses {
			r.promote(superseded[address], byAddress[address])
		}
	}
	return merged, appended
}

// promote writes one promoted record per unconfirmed record so every one of
// them is superseded, however many attempts left them behind.
func (r *Reconciler) promote(from []*repository.Record, to *models.Certificate) {
	c := *to
	if c.TxHash == "" {
		c.TxHash = minedTx(from)
	}
	for _, src := range from {
		rec := &repository.Record{
			Key:          repository.PromotedKey(src.Key),
			Status:       repository.StatusPromoted,
			Certificate:  c,
			AttemptID:    src.AttemptID,
			PromotedFrom: src.Key,
			WrittenAt:    r.opts.Now().UnixMilli(),
		}
		err := r.repo.PutRecord(rec)
		switch {
		case err == nil:
			r.metrics.Promoted()
			logger.Logger.Info("Promoted unconfirmed record",
				zap.String("from", src.Key), zap.String("token_id", c.TokenID.String()))
		case errors.Is(err, repository.ErrRecordExists):
		default:
			logger.Logger.Warn("Failed to persist promoted record", zap.String("from", src.Key), zap.Error(err))
		}
	}
}

// minedTx picks the transaction that produced the certificate: one with a
// confirmed receipt, or the only one submitted. Several unconfirmed
// submissions leave it unknown.
func minedTx(records []*repository.Record) string {
	for _, rec := range records {
		if rec.Status == repository.StatusMinted && rec.Certificate.TxHash != "" {
			return rec.Certificate.TxHash
		}
	}
	if len(records) == 1 {
		return records[0].Certificate.TxHash
	}
	return ""
}

// Stats returns aggregate counts. The contract's counters are used unless a
// mint just happened or the call fails; then the counts are derived from the
// merged list.
func (r *Reconciler) Stats(ctx context.Context, sess chain.Session) (*models.Stats, error) {
	if sess.Connected() {
		deferred, err := r.repo.HasFlag(repository.RecentMintFlag(sess.Network.Key, sess.Account.Hex()), r.opts.Now())
		if err != nil {
			logger.Logger.Warn("Failed to read recent-mint flag", zap.Error(err))
		}
		if !deferred {
			stats, err := r.chain.Stats(ctx, sess)
			if err == nil {
				return stats, nil
			}
			logger.Logger.Warn("Aggregate stats call failed, deriving from list", zap.Error(err))
		}
	}
	listing, err := r.LoadCertificates(ctx, sess)
	if err != nil {
		return nil, err
	}
	return Derive(listing.Certificates), nil
}

// Derive counts certificates by audit type.
func Derive(certs []*models.Certificate) *models.Stats {
	s := &models.Stats{Source: "derived"}
	for _, c := range certs {
		s.TotalAudits++
		switch c.AuditType {
		case models.AuditStatic:
			s.StaticAudits++
		case models.AuditAIPowered:
			s.AIAudits++
		}
	}
	return s
}

// FindByAddress looks up the account's on-chain certificate for a contract
// address. It returns nil without error when none exists.
func (r *Reconciler) FindByAddress(ctx context.Context, sess chain.Session, contractAddress string) (*models.Certificate, error) {
	if !sess.Connected() {
		return nil, nil
	}
	onChain, err := r.fetchOnChain(ctx, sess)
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(contractAddress)
	for _, c := range onChain {
		if strings.ToLower(c.ContractAddress) == want {
			return c, nil
		}
	}
	return nil, nil
}

// collapse reduces local records to one per logical certificate: records of
// one transaction or one chain identifier keep the most advanced status, and
// records superseded by a promoted copy are dropped.
func collapse(records []*repository.Record) []*repository.Record {
	superseded := make(map[string]struct{})
	for _, rec := range records {
		if rec.PromotedFrom != "" {
			superseded[rec.PromotedFrom] = struct{}{}
		}
	}

	live := make([]*repository.Record, 0, len(records))
	for _, rec := range records {
		if _, ok := superseded[rec.Key]; !ok {
			live = append(live, rec)
		}
	}

	byTx := dedupe(live, func(c *models.Certificate) string {
		return strings.ToLower(c.TxHash)
	})
	return dedupe(byTx, func(c *models.Certificate) string {
		if !c.Confirmed() {
			return ""
		}
		return c.TokenID.String()
	})
}

// dedupe keeps the highest ranked record per non-empty key, in first-seen
// order.
func dedupe(records []*repository.Record, key func(*models.Certificate) string) []*repository.Record {
	seen := make(map[string]int)
	out := make([]*repository.Record, 0, len(records))
	for _, rec := range records {
		k := key(&rec.Certificate)
		if k == "" {
			out = append(out, rec)
			continue
		}
		if i, ok := seen[k]; ok {
			if rec.Status.Rank() > out[i].Status.Rank() {
				out[i] = rec
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, rec)
	}
	return out
}

func certificates(records []*repository.Record) []*models.Certificate {
	certs := make([]*models.Certificate, 0, len(records))
	for _, rec := range records {
		c := rec.Certificate
		certs = append(certs, &c)
	}
	return certs
}

func sortNewestFirst(certs []*models.Certificate) {
	sort.SliceStable(certs, func(i, j int) bool {
		return models.NormalizeMillis(certs[i].TimestampMillis) > models.NormalizeMillis(certs[j].TimestampMillis)
	})
}
