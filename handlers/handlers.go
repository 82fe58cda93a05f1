package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"certmint/certerr"
	"certmint/chain"
	"certmint/logger"
	"certmint/mint"
	"certmint/models"
	"certmint/reconcile"
	"certmint/repository"
)

// Minter is the mint pipeline as seen by the HTTP layer
type Minter interface {
	Submit(ctx context.Context, sess chain.Session, req models.MintRequest) (*mint.Attempt, error)
	Retry(ctx context.Context, sess chain.Session, id string) (*mint.Attempt, error)
	Attempt(id string) (*mint.Attempt, bool)
}

// Lister serves the reconciled certificate views
type Lister interface {
	LoadCertificates(ctx context.Context, sess chain.Session) (*reconcile.Listing, error)
	Stats(ctx context.Context, sess chain.Session) (*models.Stats, error)
}

// AccountDiscoverer performs the passive wallet account check
type AccountDiscoverer interface {
	DiscoverAccount(ctx context.Context, sess chain.Session) (common.Address, bool, error)
}

// IndexChecker verifies the local record index
type IndexChecker interface {
	VerifyIndex(network string) (*repository.IndexReport, error)
	RepairIndex(network string) (*repository.IndexReport, error)
}

// Handler contains the HTTP handlers for the certificate API endpoints
type Handler struct {
	Mint     Minter
	Certs    Lister
	Wallet   AccountDiscoverer
	Provider chain.Provider
	Networks []models.Network
	Index    IndexChecker
	// DefaultNetwork is used when a request names no network
	DefaultNetwork string
}

// NewHandler creates and returns a new Handler instance
func NewHandler(m Minter, l Lister, w AccountDiscoverer, p chain.Provider, networks []models.Network, defaultNetwork string) *Handler {
	return &Handler{Mint: m, Certs: l, Wallet: w, Provider: p, Networks: networks, DefaultNetwork: defaultNetwork}
}

var (
	errUnknownNetwork = eris.New("unknown network")
	errBadAccount     = eris.New("account is not a valid address")
)

func (h *Handler) session(network, account string) (chain.Session, error) {
	if network == "" {
		network = h.DefaultNetwork
	}
	sess := chain.Session{Provider: h.Provider}
	found := false
	for _, n := range h.Networks {
		if strings.EqualFold(n.Key, network) {
			sess.Network = n
			found = true
			break
		}
	}
	if !found {
		return chain.Session{}, errUnknownNetwork
	}
	if account = strings.TrimSpace(account); account != "" {
		if !common.IsHexAddress(account) {
			return chain.Session{}, errBadAccount
		}
		sess.Account = common.HexToAddress(account)
	}
	return sess, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]string{"error": err.Error()}
	if kind := certerr.KindOf(err); kind != certerr.Unknown {
		body["kind"] = string(kind)
	}
	writeJSON(w, status, body)
}

// MintCertificate handles POST requests that start a mint attempt
func (h *Handler) MintCertificate(w http.ResponseWriter, r *http.Request) {
	var req models.MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode mint request", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}

	sess, err := h.session(req.Network, req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// The run outlives this request.
	a, err := h.Mint.Submit(context.WithoutCancel(r.Context()), sess, req)
	if errors.Is(err, mint.ErrInProgress) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		logger.Logger.Error("Failed to start mint", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	logger.Logger.Info("Mint accepted", zap.String("attempt", a.ID()), zap.String("contract", req.ContractAddress))
	writeJSON(w, http.StatusAccepted, a.Snapshot())
}

// GetAttempt handles GET requests for the state of one mint attempt
func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	a, ok := h.Mint.Attempt(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, mint.ErrUnknownAttempt)
		return
	}
	writeJSON(w, http.StatusOK, a.Snapshot())
}

// StreamAttempt writes the attempt's progress updates as newline-delimited
// JSON until the run ends or the client goes away
func (h *Handler) StreamAttempt(w http.ResponseWriter, r *http.Request) {
	a, ok := h.Mint.Attempt(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, mint.ErrUnknownAttempt)
		return
	}

	updates, stop := a.Subscribe()
	defer stop()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	streamUpdates(r.Context(), w, updates, a.Done(), a.Snapshot)
}

// streamUpdates writes the current state and then each update until one is
// terminal. Subscribers may miss updates when they fall behind, so once done
// closes the final state is taken from snapshot instead.
func streamUpdates(ctx context.Context, w http.ResponseWriter, updates <-chan mint.Update, done <-chan struct{}, snapshot func() mint.Snapshot) {
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	send := func(u mint.Update) bool {
		if err := enc.Encode(u); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return !u.State.Terminal()
	}

	if !send(snapshot().Update()) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok || !send(u) {
				return
			}
		case <-done:
			send(snapshot().Update())
			return
		}
	}
}

type retryRequest struct {
	Account string `json:"account"`
}

// RetryAttempt handles POST requests that re-run a failed attempt
func (h *Handler) RetryAttempt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, ok := h.Mint.Attempt(id)
	if !ok {
		writeError(w, http.StatusNotFound, mint.ErrUnknownAttempt)
		return
	}

	var body retryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
			return
		}
	}
	snap := a.Snapshot()
	if body.Account == "" {
		body.Account = snap.Account
	}
	sess, err := h.session(snap.Network, body.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	a, err = h.Mint.Retry(context.WithoutCancel(r.Context()), sess, id)
	switch {
	case errors.Is(err, mint.ErrInProgress), errors.Is(err, mint.ErrNotRetryable):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		logger.Logger.Error("Failed to retry mint", zap.String("attempt", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.Snapshot())
}

// ListCertificates handles GET requests for the merged certificate list
func (h *Handler) ListCertificates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sess, err := h.session(q.Get("network"), q.Get("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	listing, err := h.Certs.LoadCertificates(r.Context(), sess)
	if err != nil {
		logger.Logger.Error("Failed to load certificates", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// GetStats handles GET requests for aggregate audit counts
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sess, err := h.session(q.Get("network"), q.Get("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := h.Certs.Stats(r.Context(), sess)
	if err != nil {
		logger.Logger.Error("Failed to compute stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetAccount handles GET requests for the wallet's connected account. It
// never prompts
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r.URL.Query().Get("network"), "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, ok, err := h.Wallet.DiscoverAccount(r.Context(), sess)
	if err != nil {
		logger.Logger.Warn("Account discovery failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	resp := map[string]interface{}{"connected": ok, "network": sess.Network.Key}
	if ok {
		resp["account"] = addr.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ValidateIndex handles GET requests that check the local record index
// against the stored records, repairing it when repair=true
func (h *Handler) ValidateIndex(w http.ResponseWriter, r *http.Request) {
	if h.Index == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no local store configured"})
		return
	}
	sess, err := h.session(r.URL.Query().Get("network"), "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	check := h.Index.VerifyIndex
	if r.URL.Query().Get("repair") == "true" {
		check = h.Index.RepairIndex
	}
	report, err := check(sess.Network.Key)
	if err != nil {
		logger.Logger.Error("Failed to validate index", zap.String("network", sess.Network.Key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !report.Consistent() {
		logger.Logger.Warn("Local index inconsistent",
			zap.String("network", report.Network),
			zap.Strings("unindexed", report.Unindexed),
			zap.Strings("dangling", report.Dangling))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consistent": report.Consistent(),
		"report":     report,
	})
}
