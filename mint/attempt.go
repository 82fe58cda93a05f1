package mint

import (
	"context"
	"sync"
	"time"

	"certmint/certerr"
	"certmint/models"
)

// State is a node of the mint state machine.
type State string

const (
	StateReady      State = "ready"
	StateConnecting State = "connecting"
	StatePreparing  State = "preparing"
	StateUploading  State = "uploading"
	StateMinting    State = "minting"
	StateSuccess    State = "success"
	StateError      State = "error"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError
}

// Sub-steps of StateMinting.
const (
	PhaseNetwork = "network"
	PhaseSubmit  = "submit"
	PhaseConfirm = "confirm"
)

// Coarse progress per step.
const (
	progressConnect = 10
	progressPrepare = 20
	progressUpload  = 40
	progressNetwork = 55
	progressSubmit  = 70
	progressConfirm = 85
	progressDone    = 100
)

// Failure describes why a run ended in StateError.
type Failure struct {
	Kind    certerr.Kind `json:"kind"`
	Message string       `json:"message"`
	Step    State        `json:"step"`
	Phase   string       `json:"phase,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// Update is one progress notification.
type Update struct {
	AttemptID string `json:"attemptId"`
	State     State  `json:"state"`
	Phase     string `json:"phase,omitempty"`
	Progress  int    `json:"progress"`
	Waiting   bool   `json:"waiting"`
}

// Snapshot is a point-in-time copy of an attempt.
type Snapshot struct {
	ID          string              `json:"id"`
	DraftKey    string              `json:"draftKey"`
	Network     string              `json:"network"`
	Run         int                 `json:"run"`
	State       State               `json:"state"`
	Phase       string              `json:"phase,omitempty"`
	Progress    int                 `json:"progress"`
	Waiting     bool                `json:"waiting"`
	Account     string              `json:"account,omitempty"`
	TxHash      string              `json:"txHash,omitempty"`
	Failure     *Failure            `json:"failure,omitempty"`
	Certificate *models.Certificate `json:"certificate,omitempty"`
	// Existing is set when the run ended by surfacing a certificate that was
	// already on chain for the contract address.
	Existing  bool      `json:"existing,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Attempt is one mint state machine instance, owned by a single draft.
type Attempt struct {
	mu       sync.Mutex
	id       string
	draftKey string
	req      models.MintRequest
	run      int
	running  bool
	state    State
	phase    string
	progress int
	waiting  bool
	account  string
	txHash   string
	failure  *Failure
	cert     *models.Certificate
	existing bool
	started  time.Time
	updated  time.Time
	done     chan struct{}
	subs     map[int]chan Update
	nextSub  int
}

func newAttempt(id string, req models.MintRequest, now time.Time) *Attempt {
	return &Attempt{
		id:       id,
		draftKey: req.DraftKey(),
		req:      req,
		state:    StateReady,
		started:  now,
		updated:  now,
		subs:     make(map[int]chan Update),
	}
}

// ID returns the attempt identifier.
func (a *Attempt) ID() string {
	return a.id
}

// Snapshot copies the attempt's current state.
func (a *Attempt) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		ID:        a.id,
		DraftKey:  a.draftKey,
		Network:   a.req.Network,
		Run:       a.run,
		State:     a.state,
		Phase:     a.phase,
		Progress:  a.progress,
		Waiting:   a.waiting,
		Account:   a.account,
		TxHash:    a.txHash,
		Existing:  a.existing,
		StartedAt: a.started,
		UpdatedAt: a.updated,
	}
	if a.failure != nil {
		f := *a.failure
		s.Failure = &f
	}
	if a.cert != nil {
		c := *a.cert
		s.Certificate = &c
	}
	return s
}

// Subscribe returns a channel of progress updates for this attempt and a
// function that stops delivery. Slow readers miss updates rather than block
// the pipeline.
func (a *Attempt) Subscribe() (<-chan Update, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan Update, 16)
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if c, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(c)
		}
	}
}

// Done returns a channel closed when the current run is over. It is nil
// before the first run.
func (a *Attempt) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Update returns the snapshot's progress fields as an update.
func (s Snapshot) Update() Update {
	return Update{AttemptID: s.ID, State: s.State, Phase: s.Phase, Progress: s.Progress, Waiting: s.Waiting}
}

// Wait blocks until the current run reaches success or error.
func (a *Attempt) Wait(ctx context.Context) (Snapshot, error) {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return a.Snapshot(), ctx.Err()
		}
	}
	return a.Snapshot(), nil
}

// start resets the attempt for a new run and returns the channel the run
// closes when it is over. Callers hold the orchestrator lock.
func (a *Attempt) start(now time.Time) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.run++
	a.running = true
	a.state = StateReady
	a.phase = ""
	a.progress = 0
	a.waiting = false
	a.failure = nil
	a.cert = nil
	a.existing = false
	a.txHash = ""
	a.updated = now
	a.done = make(chan struct{})
	return a.done
}

func (a *Attempt) isRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Attempt) currentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// enter moves to state at progress; progress never regresses within a run.
func (a *Attempt) enter(state State, phase string, progress int, now time.Time) {
	a.mu.Lock()
	a.state = state
	a.phase = phase
	if progress > a.progress {
		a.progress = progress
	}
	a.waiting = false
	a.updated = now
	if state.Terminal() {
		a.running = false
	}
	a.publishLocked()
	a.mu.Unlock()
}

func (a *Attempt) setWaiting(waiting bool) {
	a.mu.Lock()
	if a.waiting != waiting && !a.state.Terminal() {
		a.waiting = waiting
		a.publishLocked()
	}
	a.mu.Unlock()
}

func (a *Attempt) setAccount(account string) {
	a.mu.Lock()
	a.account = account
	a.mu.Unlock()
}

func (a *Attempt) setTxHash(hash string) {
	a.mu.Lock()
	a.txHash = hash
	a.mu.Unlock()
}

func (a *Attempt) succeed(cert *models.Certificate, existing bool, now time.Time) {
	a.mu.Lock()
	a.cert = cert
	a.existing = existing
	a.mu.Unlock()
	a.enter(StateSuccess, "", progressDone, now)
}

func (a *Attempt) fail(f *Failure, now time.Time) {
	a.mu.Lock()
	a.failure = f
	a.state = StateError
	a.running = false
	a.waiting = false
	a.updated = now
	a.publishLocked()
	a.mu.Unlock()
}

// finish releases waiters of the run that owns done. A retry may already have
// started a newer run.
func (a *Attempt) finish(done chan struct{}) {
	a.mu.Lock()
	if a.done == done && !a.state.Terminal() {
		a.running = false
	}
	a.mu.Unlock()
	close(done)
}

func (a *Attempt) publishLocked() {
	u := Update{AttemptID: a.id, State: a.state, Phase: a.phase, Progress: a.progress, Waiting: a.waiting}
	for _, ch := range a.subs {
		select {
		case ch <- u:
		default:
		}
	}
}
