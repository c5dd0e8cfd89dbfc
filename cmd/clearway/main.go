package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openclear/clearway/channel"
	"github.com/openclear/clearway/client"
	"github.com/openclear/clearway/crypto"
	"github.com/openclear/clearway/errors"
	"github.com/openclear/clearway/gateway"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "clearway",
		Short:        "Buyer and operator tooling for clearing-node payments",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("node-url", "ws://localhost:8000/ws", "clearing node websocket endpoint")
	cmd.PersistentFlags().String("owner-seed", "", "hex seed of the owner key")
	cmd.AddCommand(payCmd(), transferCmd(), channelCmd(), faucetCmd())
	return cmd
}

// connect builds an authenticated client from the persistent flags.
func connect(cmd *cobra.Command) (*client.Client, error) {
	nodeURL, _ := cmd.Flags().GetString("node-url")
	seed, _ := cmd.Flags().GetString("owner-seed")
	signer, err := crypto.NewKeySigner(seed)
	if err != nil {
		return nil, err
	}
	c := client.New(signer, client.Options{URL: nodeURL, Logger: zap.NewNop()})
	if err := c.Connect(cmd.Context()); err != nil {
		return nil, err
	}
	return c, nil
}

func payCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pay <url>",
		Short: "Fetch a payment-gated resource, paying on demand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return pay(cmd, args[0])
		},
	}
}

// pay discovers the payment demand through a 402 probe, settles it with a
// ledger transfer and retries the request carrying the proof.
func pay(cmd *cobra.Command, url string) error {
	ctx := cmd.Context()

	demand, body, err := probe(ctx, url, "")
	switch {
	case err == nil:
		// Not gated after all.
		fmt.Fprint(cmd.OutOrStdout(), body)
		return nil
	case !errors.PaymentRequired(err):
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "paying %s %s to %s\n",
		demand.MaxAmountRequired, demand.Asset, demand.PayTo)

	c, err := connect(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	txs, err := c.Transfer(ctx, client.TransferParams{
		Destination: demand.PayTo,
		Asset:       demand.Asset,
		Amount:      demand.MaxAmountRequired,
	})
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return errors.ErrProtocol.New("transfer confirmed without a receipt")
	}

	header, err := gateway.EncodeProof(gateway.Proof{
		Scheme: demand.Scheme,
		Payload: gateway.ProofPayload{
			TransactionID: txs[0].ID,
			FromAccount:   c.Address().String(),
			ToAccount:     demand.PayTo,
			Asset:         demand.Asset,
			Amount:        demand.MaxAmountRequired,
		},
	})
	if err != nil {
		return err
	}

	_, body, err = probe(ctx, url, header)
	if errors.PaymentRequired(err) {
		return errors.Wrapf(err, "still unpaid after transfer %d", txs[0].ID)
	}
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), body)
	return nil
}

// probe performs one request. A 2xx answer returns the body; a 402 answer
// returns the first accepted requirement together with an
// ErrPaymentRequired classification, so callers branch on the error kind.
func probe(ctx context.Context, url, paymentHeader string) (*gateway.Requirement, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrInput, err.Error())
	}
	if paymentHeader != "" {
		req.Header.Set(gateway.PaymentHeader, paymentHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrNetwork, err.Error())
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrNetwork, err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		var demand gateway.PaymentRequired
		if err := json.Unmarshal(raw, &demand); err != nil {
			return nil, "", errors.Wrap(errors.ErrMalformed, err.Error())
		}
		if len(demand.Accepts) == 0 {
			return nil, "", errors.ErrMalformed.New("402 without payment requirements")
		}
		reason := demand.Error
		if reason == "" {
			reason = "resource is payment gated"
		}
		return &demand.Accepts[0], "", errors.Wrap(errors.ErrPaymentRequired, reason)
	case resp.StatusCode >= 400:
		return nil, "", errors.ErrNetwork.Newf("%s: %s", resp.Status, raw)
	default:
		return nil, string(raw), nil
	}
}

func transferCmd() *cobra.Command {
	var to, toTag, asset, amount string
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move funds through the clearing-node ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			txs, err := c.Transfer(cmd.Context(), client.TransferParams{
				Destination:    to,
				DestinationTag: toTag,
				Asset:          asset,
				Amount:         amount,
			})
			if err != nil {
				return err
			}
			for _, tx := range txs {
				fmt.Fprintf(cmd.OutOrStdout(), "tx %d: %s %s -> %s\n",
					tx.ID, tx.Amount, tx.Asset, tx.ToAccount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination address")
	cmd.Flags().StringVar(&toTag, "to-tag", "", "destination user tag, alternative to --to")
	cmd.Flags().StringVar(&asset, "asset", "usdc.test", "asset to transfer")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in base units")
	return cmd
}

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Operate a payment channel",
	}
	cmd.AddCommand(channelOpenCmd(), channelCloseCmd(), channelStatusCmd())
	return cmd
}

func channelOpenCmd() *cobra.Command {
	var chainID int64
	var token, fund string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Create, anchor and fund a channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			m, err := channel.NewManager(c, newManualSubmitter(cmd), channel.Options{
				FundAmount: fund,
			})
			if err != nil {
				return err
			}
			if err := m.Open(cmd.Context(), chainID, token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %s open, anchored by %s, funded by %s\n",
				m.ChannelID(), m.CreateTx(), m.FundTx())
			return nil
		},
	}
	cmd.Flags().Int64Var(&chainID, "chain-id", 11155111, "chain to anchor the channel on")
	cmd.Flags().StringVar(&token, "token", "", "token contract address")
	cmd.Flags().StringVar(&fund, "fund", "1000000", "amount to move into the channel, base units")
	return cmd
}

func channelCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <channel-id>",
		Short: "Settle a channel and pay out to the owner address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			info, err := c.CloseChannel(cmd.Context(), args[0], c.Address())
			if err != nil {
				return err
			}
			sub := newManualSubmitter(cmd)
			txHash, err := sub.SubmitClose(cmd.Context(), info.State, info.ServerSignature)
			if err != nil {
				return err
			}
			if err := sub.WaitForConfirmation(cmd.Context(), txHash); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %s closed by %s\n", args[0], txHash)
			return nil
		},
	}
}

func channelStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List channels involving this account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			channels, err := c.GetChannels(cmd.Context(), status)
			if err != nil {
				return err
			}
			if len(channels) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no channels")
				return nil
			}
			for _, ch := range channels {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tv%d\t%s %s\n",
					ch.ChannelID, ch.Status, ch.Version, ch.Amount, ch.Token)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "filter", "", "filter by status (open, closed)")
	return cmd
}

func faucetCmd() *cobra.Command {
	var faucetURL string
	cmd := &cobra.Command{
		Use:   "faucet",
		Short: "Request sandbox test funds for the owner address",
		RunE: func(cmd *cobra.Command, _ []string) error {
			seed, _ := cmd.Flags().GetString("owner-seed")
			signer, err := crypto.NewKeySigner(seed)
			if err != nil {
				return err
			}
			if err := client.RequestFaucet(cmd.Context(), faucetURL, signer.Address()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requested funds for %s\n", signer.Address())
			return nil
		},
	}
	cmd.Flags().StringVar(&faucetURL, "url", "http://localhost:8001/faucet", "faucet endpoint")
	return cmd
}

// manualSubmitter walks the operator through on-chain submission: it
// prints each countersigned state and reads the resulting transaction hash
// back. Keeps contract encoding and key custody entirely outside this
// tool.
type manualSubmitter struct {
	in  *bufio.Reader
	out io.Writer
}

var _ channel.Submitter = (*manualSubmitter)(nil)

func newManualSubmitter(cmd *cobra.Command) *manualSubmitter {
	return &manualSubmitter{
		in:  bufio.NewReader(cmd.InOrStdin()),
		out: cmd.ErrOrStderr(),
	}
}

func (s *manualSubmitter) prompt(label string, state client.ChannelState, serverSig string) (string, error) {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", errors.Wrap(errors.ErrInput, err.Error())
	}
	fmt.Fprintf(s.out, "%s state:\n%s\nserver signature: %s\n", label, raw, serverSig)
	fmt.Fprint(s.out, "submit on chain and enter the tx hash: ")
	line, err := s.in.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(errors.ErrInput, err.Error())
	}
	txHash := strings.TrimSpace(line)
	if txHash == "" {
		return "", errors.ErrInput.New("empty tx hash")
	}
	return txHash, nil
}

func (s *manualSubmitter) SubmitCreate(_ context.Context, fixture *client.ChannelFixture, initial client.ChannelState, serverSig string) (string, error) {
	if fixture != nil {
		raw, _ := json.MarshalIndent(fixture, "", "  ")
		fmt.Fprintf(s.out, "channel fixture:\n%s\n", raw)
	}
	return s.prompt("initial", initial, serverSig)
}

func (s *manualSubmitter) SubmitResize(_ context.Context, state client.ChannelState, serverSig string, _ []client.ChannelState) (string, error) {
	return s.prompt("funding", state, serverSig)
}

func (s *manualSubmitter) SubmitClose(_ context.Context, state client.ChannelState, serverSig string) (string, error) {
	return s.prompt("final", state, serverSig)
}

func (s *manualSubmitter) WaitForConfirmation(_ context.Context, txHash string) error {
	fmt.Fprintf(s.out, "press enter once %s is confirmed: ", txHash)
	_, err := s.in.ReadString('\n')
	if err != nil {
		return errors.Wrap(errors.ErrInput, err.Error())
	}
	return nil
}
