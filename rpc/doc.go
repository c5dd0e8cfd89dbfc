/*
Package rpc maintains the single authenticated websocket to the clearing
node and correlates asynchronous request/response traffic on top of it.

The protocol answers a request with an envelope named after the response
method, not always echoing the request id, so correlation is a two-step
affair: by id when echoed, by method name otherwise, with same-method calls
serialized so that method correlation is unambiguous. A node-reported error
envelope fails every in-flight call at once; waiting out individual
timeouts would only delay the inevitable.
*/
package rpc
