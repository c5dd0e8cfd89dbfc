package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/openclear/clearway"
	"github.com/openclear/clearway/errors"
)

// RequestFaucet asks a sandbox faucet to credit the given address with
// test funds. A plain POST outside the clearing-node protocol; only the
// boundary is modeled here.
func RequestFaucet(ctx context.Context, faucetURL string, addr clearway.Address) error {
	body, err := json.Marshal(map[string]string{"userAddress": addr.String()})
	if err != nil {
		return errors.Wrap(errors.ErrInput, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, faucetURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrInput, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.ErrNetwork.Newf("faucet returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
