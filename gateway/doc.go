// Package gateway gates HTTP resources behind clearing-node payments. A
// request without a payment proof receives a 402 response describing how
// to pay; a request carrying a proof is admitted once the corresponding
// transfer notification has arrived and the payment's asset, amount and
// destination check out.
package gateway
