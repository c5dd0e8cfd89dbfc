package clearwaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/openclear/clearway/client"
)

// Submitter is an in-memory on-chain submission collaborator. It records
// every submitted state, hands out sequential fake transaction hashes and
// fails on demand.
type Submitter struct {
	// Per-step errors. When set, the corresponding submission fails.
	CreateErr  error
	ResizeErr  error
	CloseErr   error
	ConfirmErr error

	// Proofs is returned from ProofStates. ProofErr, when set, makes the
	// proof fetch fail instead.
	Proofs   []client.ChannelState
	ProofErr error

	mu        sync.Mutex
	nextTx    int
	Creates   []client.ChannelState
	Resizes   []client.ChannelState
	Closes    []client.ChannelState
	Confirmed []string
	// ProofQueries records the channel ids proof states were asked for.
	ProofQueries []string
}

func (s *Submitter) txHash() string {
	s.nextTx++
	return fmt.Sprintf("0xtx%04d", s.nextTx)
}

func (s *Submitter) SubmitCreate(_ context.Context, _ *client.ChannelFixture, initial client.ChannelState, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return "", s.CreateErr
	}
	s.Creates = append(s.Creates, initial)
	return s.txHash(), nil
}

func (s *Submitter) SubmitResize(_ context.Context, state client.ChannelState, _ string, _ []client.ChannelState) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ResizeErr != nil {
		return "", s.ResizeErr
	}
	s.Resizes = append(s.Resizes, state)
	return s.txHash(), nil
}

func (s *Submitter) SubmitClose(_ context.Context, state client.ChannelState, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CloseErr != nil {
		return "", s.CloseErr
	}
	s.Closes = append(s.Closes, state)
	return s.txHash(), nil
}

func (s *Submitter) WaitForConfirmation(_ context.Context, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConfirmErr != nil {
		return s.ConfirmErr
	}
	s.Confirmed = append(s.Confirmed, txHash)
	return nil
}

func (s *Submitter) ProofStates(_ context.Context, channelID string) ([]client.ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProofQueries = append(s.ProofQueries, channelID)
	if s.ProofErr != nil {
		return nil, s.ProofErr
	}
	return s.Proofs, nil
}
