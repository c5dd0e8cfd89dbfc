package channel

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclear/clearway"
	"github.com/openclear/clearway/amount"
	"github.com/openclear/clearway/client"
	"github.com/openclear/clearway/errors"
)

// Status of the managed channel.
type Status string

const (
	StatusNone     Status = "none"
	StatusCreating Status = "creating"
	StatusFunding  Status = "funding"
	StatusOpen     Status = "open"
	StatusClosing  Status = "closing"
	StatusClosed   Status = "closed"
)

// DefaultIndexingDelay is how long to wait after on-chain confirmation of
// the channel anchor before asking the node for a funding state. The node
// indexes the chain asynchronously and rejects resize requests for
// channels it has not seen yet.
const DefaultIndexingDelay = 5 * time.Second

// NodeClient is the clearing-node surface the manager drives. Satisfied by
// *client.Client.
type NodeClient interface {
	Address() clearway.Address
	CreateChannel(ctx context.Context, chainID int64, token string) (*client.ChannelInfo, error)
	ResizeChannel(ctx context.Context, channelID string, allocate string, fundsDestination clearway.Address) (*client.ChannelInfo, error)
	CloseChannel(ctx context.Context, channelID string, fundsDestination clearway.Address) (*client.ChannelInfo, error)
	GetChannels(ctx context.Context, status string) ([]client.ChannelSummary, error)
}

// Submitter anchors signed channel states on chain. It is opaque to the
// manager: contract encoding, gas and key handling live behind it.
type Submitter interface {
	SubmitCreate(ctx context.Context, fixture *client.ChannelFixture, initial client.ChannelState, serverSig string) (txHash string, err error)
	SubmitResize(ctx context.Context, state client.ChannelState, serverSig string, proofs []client.ChannelState) (txHash string, err error)
	SubmitClose(ctx context.Context, state client.ChannelState, serverSig string) (txHash string, err error)
	WaitForConfirmation(ctx context.Context, txHash string) error
}

// ProofStater is an optional Submitter extension that can fetch the latest
// on-chain state of a channel. Resize submissions carry it as a proof
// state when available; a brand-new channel has none and that is not an
// error.
type ProofStater interface {
	ProofStates(ctx context.Context, channelID string) ([]client.ChannelState, error)
}

// Options configure a Manager.
type Options struct {
	// FundAmount is moved from the free ledger balance into the channel
	// during Open, in base units.
	FundAmount string
	// IndexingDelay defaults to DefaultIndexingDelay.
	IndexingDelay time.Duration
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Manager owns the lifecycle of one payment channel. All methods are safe
// for concurrent use, but the lifecycle itself is sequential: one
// transition at a time.
type Manager struct {
	node      NodeClient
	submitter Submitter
	opts      Options
	log       *zap.Logger

	mu        sync.Mutex
	status    Status
	channelID string
	token     string
	// version of the last state confirmed on chain. Nothing with a
	// version at or below this is ever submitted.
	version uint64
	// locked is the per-channel allocation total of token, tracked to
	// re-establish the sum invariant after every transition.
	locked   amount.Amount
	createTx string
	fundTx   string
	closeTx  string
}

// NewManager returns a manager with no channel.
func NewManager(node NodeClient, submitter Submitter, opts Options) (*Manager, error) {
	if _, err := amount.Parse(opts.FundAmount); err != nil {
		return nil, errors.Wrap(err, "fund amount")
	}
	if opts.IndexingDelay == 0 {
		opts.IndexingDelay = DefaultIndexingDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		node:      node,
		submitter: submitter,
		opts:      opts,
		log:       opts.Logger,
		status:    StatusNone,
	}, nil
}

// Status returns the current lifecycle status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ChannelID returns the managed channel id, empty before creation.
func (m *Manager) ChannelID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelID
}

// Version returns the version of the last on-chain-confirmed state.
func (m *Manager) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// CreateTx and FundTx return the anchoring and funding transaction hashes
// recorded during Open.
func (m *Manager) CreateTx() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createTx
}

func (m *Manager) FundTx() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fundTx
}

// CloseTx returns the settlement transaction hash, empty before close.
func (m *Manager) CloseTx() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeTx
}

// Open creates, anchors and funds a channel on the given chain for the
// given token. Callable from StatusNone, or from StatusFunding to resume a
// previously interrupted funding step.
//
// A creation rejection naming an already existing channel is not a
// failure: the existing channel is adopted and the saga resumes at
// whatever step its funding level dictates.
func (m *Manager) Open(ctx context.Context, chainID int64, token string) error {
	m.mu.Lock()
	switch m.status {
	case StatusNone:
	case StatusFunding:
		// Resuming after an interrupted funding step.
		m.mu.Unlock()
		return m.fund(ctx)
	default:
		status := m.status
		m.mu.Unlock()
		return errors.ErrState.Newf("open in status %q", status)
	}
	m.status = StatusCreating
	m.token = token
	m.mu.Unlock()

	info, err := m.node.CreateChannel(ctx, chainID, token)
	if err != nil {
		if id, ok := conflictChannelID(err); ok {
			return m.adopt(ctx, id)
		}
		m.revert(StatusNone)
		return errors.Wrap(err, "create channel")
	}

	// Convention differs between node versions: the initial state is
	// version 0 or 1. Anything else means a state was skipped.
	if info.State.Version > 1 {
		m.revert(StatusNone)
		return errors.ErrState.Newf("initial state version %d", info.State.Version)
	}
	locked, err := allocationTotal(info.State, token)
	if err != nil {
		m.revert(StatusNone)
		return err
	}

	txHash, err := m.submitter.SubmitCreate(ctx, info.Channel, info.State, info.ServerSignature)
	if err != nil {
		m.revert(StatusNone)
		return errors.Wrap(err, "submit create")
	}
	if err := m.submitter.WaitForConfirmation(ctx, txHash); err != nil {
		m.revert(StatusNone)
		return errors.Wrap(err, "confirm create")
	}

	m.mu.Lock()
	m.status = StatusFunding
	m.channelID = info.ChannelID
	m.version = info.State.Version
	m.locked = locked
	m.createTx = txHash
	m.mu.Unlock()
	m.log.Info("channel anchored",
		zap.String("channel_id", info.ChannelID),
		zap.String("tx", txHash),
	)

	// Let the node index the anchor before asking it to resize.
	select {
	case <-time.After(m.opts.IndexingDelay):
	case <-ctx.Done():
		return errors.Wrap(errors.ErrNetwork, ctx.Err().Error())
	}

	return m.fund(ctx)
}

// fund moves FundAmount into the channel: request a resize state from the
// node, submit it on chain, await confirmation. Leaves the manager in
// StatusFunding on failure so Open can resume.
func (m *Manager) fund(ctx context.Context) error {
	m.mu.Lock()
	channelID, token, version, locked := m.channelID, m.token, m.version, m.locked
	m.mu.Unlock()

	info, err := m.node.ResizeChannel(ctx, channelID, m.opts.FundAmount, m.node.Address())
	if err != nil {
		return errors.Wrap(err, "resize channel")
	}
	if err := checkTransition(info.State, version); err != nil {
		return err
	}
	fundAmt := amount.MustParse(m.opts.FundAmount)
	newLocked, err := allocationTotal(info.State, token)
	if err != nil {
		return err
	}
	if newLocked.Cmp(locked.Add(fundAmt)) != 0 {
		return errors.ErrState.Newf("funding state locks %s, want %s",
			newLocked, locked.Add(fundAmt))
	}

	// Best effort: a brand-new channel has no on-chain state to prove.
	var proofs []client.ChannelState
	if ps, ok := m.submitter.(ProofStater); ok {
		proofs, err = ps.ProofStates(ctx, channelID)
		if err != nil {
			m.log.Debug("no proof states", zap.Error(err))
			proofs = nil
		}
	}

	txHash, err := m.submitter.SubmitResize(ctx, info.State, info.ServerSignature, proofs)
	if err != nil {
		return errors.Wrap(err, "submit resize")
	}
	if err := m.submitter.WaitForConfirmation(ctx, txHash); err != nil {
		return errors.Wrap(err, "confirm resize")
	}

	m.mu.Lock()
	m.status = StatusOpen
	m.version = info.State.Version
	m.locked = newLocked
	m.fundTx = txHash
	m.mu.Unlock()
	m.log.Info("channel funded",
		zap.String("channel_id", channelID),
		zap.String("tx", txHash),
		zap.Uint64("version", info.State.Version),
	)
	return nil
}

// adopt reconciles with a channel that already exists: query its current
// allocations and resume at funding if it is empty, or go straight to open.
// A conflict that cannot be reconciled surfaces as ErrConflict.
func (m *Manager) adopt(ctx context.Context, channelID string) error {
	summary, err := m.findChannel(ctx, channelID)
	if err != nil {
		m.revert(StatusNone)
		return errors.Wrapf(errors.ErrConflict, "channel %s reported existing: %s", channelID, err)
	}

	locked, err := amount.Parse(summary.Amount)
	if err != nil {
		m.revert(StatusNone)
		return errors.Wrapf(errors.ErrConflict, "adopted channel amount: %s", err)
	}

	m.mu.Lock()
	m.channelID = channelID
	m.version = summary.Version
	m.locked = locked
	if locked.IsZero() {
		m.status = StatusFunding
	} else {
		m.status = StatusOpen
	}
	status := m.status
	m.mu.Unlock()
	m.log.Info("adopted existing channel",
		zap.String("channel_id", channelID),
		zap.String("status", string(status)),
	)

	if status == StatusFunding {
		return m.fund(ctx)
	}
	return nil
}

func (m *Manager) findChannel(ctx context.Context, channelID string) (*client.ChannelSummary, error) {
	for _, status := range []string{"open", ""} {
		channels, err := m.node.GetChannels(ctx, status)
		if err != nil {
			return nil, errors.Wrap(err, "list channels")
		}
		for i, ch := range channels {
			if strings.EqualFold(ch.ChannelID, channelID) {
				return &channels[i], nil
			}
		}
	}
	return nil, errors.ErrNotFound.Newf("channel %s not listed by node", channelID)
}

// CloseChannel requests the final state from the node, submits it on chain
// and awaits confirmation. On failure the status reverts to open so a
// fresh close attempt is well defined.
func (m *Manager) CloseChannel(ctx context.Context, fundsDestination clearway.Address) error {
	m.mu.Lock()
	if m.status != StatusOpen {
		status := m.status
		m.mu.Unlock()
		return errors.ErrState.Newf("close in status %q", status)
	}
	m.status = StatusClosing
	channelID, token, version, locked := m.channelID, m.token, m.version, m.locked
	m.mu.Unlock()

	info, err := m.node.CloseChannel(ctx, channelID, fundsDestination)
	if err != nil {
		m.revert(StatusOpen)
		return errors.Wrap(err, "close channel")
	}
	if err := checkTransition(info.State, version); err != nil {
		m.revert(StatusOpen)
		return err
	}
	// The final state reassigns the locked funds; it must not lose any.
	finalTotal, err := allocationTotal(info.State, token)
	if err != nil {
		m.revert(StatusOpen)
		return err
	}
	if finalTotal.Cmp(locked) != 0 {
		m.revert(StatusOpen)
		return errors.ErrState.Newf("final state allocates %s, channel holds %s",
			finalTotal, locked)
	}

	txHash, err := m.submitter.SubmitClose(ctx, info.State, info.ServerSignature)
	if err != nil {
		m.revert(StatusOpen)
		return errors.Wrap(err, "submit close")
	}
	if err := m.submitter.WaitForConfirmation(ctx, txHash); err != nil {
		m.revert(StatusOpen)
		return errors.Wrap(err, "confirm close")
	}

	m.mu.Lock()
	m.status = StatusClosed
	m.version = info.State.Version
	m.closeTx = txHash
	m.mu.Unlock()
	m.log.Info("channel closed",
		zap.String("channel_id", channelID),
		zap.String("tx", txHash),
	)
	return nil
}

// Reset discards all local channel bookkeeping so a brand-new channel can
// be opened. Local only; the node and the chain are not contacted. Only a
// closed channel may be reset.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusClosed {
		return errors.ErrState.Newf("reset in status %q", m.status)
	}
	m.status = StatusNone
	m.channelID = ""
	m.token = ""
	m.version = 0
	m.locked = amount.Amount{}
	m.createTx = ""
	m.fundTx = ""
	m.closeTx = ""
	return nil
}

func (m *Manager) revert(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// checkTransition enforces the version discipline before anything reaches
// the chain: exactly one increment per accepted state, never at or below
// the last confirmed version.
func checkTransition(state client.ChannelState, confirmed uint64) error {
	if state.Version <= confirmed {
		return errors.ErrStale.Newf("state version %d, last confirmed %d",
			state.Version, confirmed)
	}
	if state.Version != confirmed+1 {
		return errors.ErrState.Newf("state version %d skips %d",
			state.Version, confirmed+1)
	}
	return nil
}

// allocationTotal sums the allocations of the given token, rejecting any
// allocation that is not a non-negative base unit integer.
func allocationTotal(state client.ChannelState, token string) (amount.Amount, error) {
	var total amount.Amount
	for _, alloc := range state.Allocations {
		a, err := amount.Parse(alloc.Amount)
		if err != nil {
			return amount.Amount{}, errors.Wrapf(err, "allocation for %s", alloc.Destination)
		}
		if strings.EqualFold(alloc.Token, token) {
			total = total.Add(a)
		}
	}
	return total, nil
}

// conflictChannelID recognizes the creation rejection that names an
// already existing channel and extracts its id. Matching on the message
// text is brittle but the node offers no structured code for this case.
var channelIDPattern = regexp.MustCompile(`0x[a-fA-F0-9]{64}`)

func conflictChannelID(err error) (string, bool) {
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "already exists") && !strings.Contains(msg, "open channel") {
		return "", false
	}
	id := channelIDPattern.FindString(err.Error())
	if id == "" {
		return "", false
	}
	return id, true
}
