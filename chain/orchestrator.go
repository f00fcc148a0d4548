package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Default confirmation wait settings
const (
	DefaultConfirmationTimeout = 120 * time.Second
	DefaultPollInterval        = time.Second
)

// StepState is the lifecycle state of one orchestrated step
type StepState int

const (
	StepPending StepState = iota
	StepSubmitted
	StepConfirmed
	StepReverted
	StepFailed
)

func (s StepState) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepSubmitted:
		return "submitted"
	case StepConfirmed:
		return "confirmed"
	case StepReverted:
		return "reverted"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s StepState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StepState) UnmarshalText(text []byte) error {
	for c := StepPending; c <= StepFailed; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown step state %q", text)
}

// Terminal reports whether no further transition is possible
func (s StepState) Terminal() bool {
	return s == StepConfirmed || s == StepReverted || s == StepFailed
}

// Step is one dependent on-chain operation.
// Prepare, when set, builds the call after every earlier step confirmed.
type Step struct {
	Label   string
	Call    *Call
	Prepare func(ctx context.Context) (Call, error)
}

// StepResult records what happened to one attempted step
type StepResult struct {
	Index       int         `json:"index"`
	Label       string      `json:"label"`
	TxID        common.Hash `json:"txId"`
	State       StepState   `json:"state"`
	BlockNumber uint64      `json:"blockNumber,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// SequenceResult lists every attempted step in order.
// Steps that never started are absent.
type SequenceResult struct {
	RunID      string       `json:"runId"`
	Steps      []StepResult `json:"steps"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// Succeeded reports whether every step confirmed
func (r *SequenceResult) Succeeded(total int) bool {
	if len(r.Steps) != total {
		return false
	}
	for _, s := range r.Steps {
		if s.State != StepConfirmed {
			return false
		}
	}
	return true
}

// ProgressEvent is emitted on every step transition
type ProgressEvent struct {
	RunID string      `json:"runId"`
	Index int         `json:"index"`
	Label string      `json:"label"`
	TxID  common.Hash `json:"txId"`
	State StepState   `json:"state"`
	Error string      `json:"error,omitempty"`
	Time  time.Time   `json:"time"`
}

// Reporter receives progress events. Report must not block.
type Reporter interface {
	Report(event ProgressEvent)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(ProgressEvent)

func (f ReporterFunc) Report(event ProgressEvent) { f(event) }

// SequenceStore persists finished sequences
type SequenceStore interface {
	SaveSequence(result *SequenceResult) error
}

// Orchestrator runs dependent transactions strictly in order
type Orchestrator struct {
	ledger       Ledger
	reporter     Reporter
	store        SequenceStore
	logger       *zap.Logger
	clock        Clock
	timeout      time.Duration
	pollInterval time.Duration
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

func WithReporter(r Reporter) OrchestratorOption {
	return func(o *Orchestrator) {
		o.reporter = r
	}
}

func WithSequenceStore(s SequenceStore) OrchestratorOption {
	return func(o *Orchestrator) {
		o.store = s
	}
}

func WithOrchestratorLogger(logger *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithConfirmationTimeout bounds the wait for each step's receipt
func WithConfirmationTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

func WithPollInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.pollInterval = d
	}
}

func WithOrchestratorClock(clock Clock) OrchestratorOption {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

// NewOrchestrator creates an Orchestrator submitting through ledger
func NewOrchestrator(ledger Ledger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		ledger:       ledger,
		logger:       zap.NewNop(),
		clock:        RealClock{},
		timeout:      DefaultConfirmationTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunSequence submits each step and waits for it to confirm before the next.
// The first step that does not confirm stops the run; confirmed steps stay applied.
// The result is returned together with any *OrchestrationError.
func (o *Orchestrator) RunSequence(ctx context.Context, steps []Step) (*SequenceResult, error) {
	result := &SequenceResult{
		RunID:     uuid.NewString(),
		Steps:     make([]StepResult, 0, len(steps)),
		StartedAt: o.clock.Now(),
	}
	log := o.logger.With(zap.String("run_id", result.RunID))
	log.Info("sequence_started", zap.Int("steps", len(steps)))

	var runErr error
	for i, step := range steps {
		res, err := o.runStep(ctx, result.RunID, i, step, log)
		result.Steps = append(result.Steps, res)
		if err != nil {
			runErr = err
			break
		}
	}

	result.FinishedAt = o.clock.Now()
	if o.store != nil {
		if err := o.store.SaveSequence(result); err != nil {
			log.Warn("sequence_persist_failed", zap.Error(err))
		}
	}

	if runErr != nil {
		log.Warn("sequence_stopped", zap.Int("attempted", len(result.Steps)), zap.Error(runErr))
	} else {
		log.Info("sequence_completed", zap.Int("steps", len(result.Steps)))
	}
	return result, runErr
}

func (o *Orchestrator) runStep(ctx context.Context, runID string, index int, step Step, log *zap.Logger) (StepResult, error) {
	res := StepResult{Index: index, Label: step.Label, State: StepPending}
	o.emit(runID, res)

	fail := func(state StepState, err error) (StepResult, error) {
		res.State = state
		res.Error = err.Error()
		o.emit(runID, res)
		return res, &OrchestrationError{Index: index, Label: step.Label, TxID: res.TxID, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(StepFailed, err)
	}

	var call Call
	switch {
	case step.Prepare != nil:
		prepared, err := step.Prepare(ctx)
		if err != nil {
			return fail(StepFailed, fmt.Errorf("prepare: %w", err))
		}
		call = prepared
	case step.Call != nil:
		call = *step.Call
	default:
		return fail(StepFailed, errors.New("step has neither call nor prepare"))
	}

	txID, err := o.ledger.SubmitCall(ctx, call)
	if err != nil {
		return fail(StepFailed, fmt.Errorf("%w: %w", ErrSubmissionRejected, err))
	}
	res.TxID = txID
	res.State = StepSubmitted
	o.emit(runID, res)
	log.Info("step_submitted", zap.Int("index", index), zap.String("label", step.Label), zap.String("tx_hash", txID.Hex()))

	status, err := o.waitForConfirmation(ctx, txID, log)
	if err != nil {
		return fail(StepFailed, err)
	}
	res.BlockNumber = status.BlockNumber

	if status.State == TxReverted {
		return fail(StepReverted, ErrStepReverted)
	}

	res.State = StepConfirmed
	o.emit(runID, res)
	log.Info("step_confirmed", zap.Int("index", index), zap.String("label", step.Label), zap.Uint64("block", status.BlockNumber))
	return res, nil
}

// waitForConfirmation polls until the transaction leaves the pending state.
// Status lookup errors and missing statuses are treated as transient until
// the timeout.
func (o *Orchestrator) waitForConfirmation(ctx context.Context, txID common.Hash, log *zap.Logger) (*TxStatus, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		status, err := o.ledger.GetTransactionStatus(timeoutCtx, txID)
		if err == nil && status != nil && status.State != TxPending {
			return status, nil
		}
		if err != nil {
			log.Debug("tx_status_failed", zap.String("tx_hash", txID.Hex()), zap.Error(err))
		}

		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w after %s", ErrConfirmationTimeout, o.timeout)
		case <-ticker.C:
		}
	}
}

// emit isolates the run from reporter panics
func (o *Orchestrator) emit(runID string, res StepResult) {
	if o.reporter == nil {
		return
	}
	event := ProgressEvent{
		RunID: runID,
		Index: res.Index,
		Label: res.Label,
		TxID:  res.TxID,
		State: res.State,
		Error: res.Error,
		Time:  o.clock.Now(),
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("reporter_panic", zap.Any("panic", r), zap.String("label", res.Label))
		}
	}()
	o.reporter.Report(event)
}
