/*
Package clearwaytest provides test doubles for the clearway packages: an
in-process clearing node speaking the real websocket envelope protocol, a
recording on-chain submitter and deterministic signing helpers.
*/
package clearwaytest
