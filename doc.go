/*
Package clearway provides the primitives shared by the clearing-node client,
the channel lifecycle manager and the payment gateway: addresses, transfer
receipts and the asset/amount pairs moved between accounts.

The heavy lifting lives in the subpackages:

	rpc      websocket transport and request/response correlation
	client   authenticated clearing-node session, ledger transfers
	channel  on-chain-anchored payment channel lifecycle
	gateway  payment-gated HTTP resources (402 flow)
*/
package clearway
