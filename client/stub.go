package client

import (
	"context"

	"muxrpc/rpcerr"
)

// Invoke is the typed form of Call used by service stubs: it encodes args with the
// client's payload codec, calls method and decodes the reply.
//
//	reply, err := client.Invoke[ArithArgs, ArithReply](ctx, c, "Arith.Add", &ArithArgs{A: 1, B: 2})
//
// Encoding and decoding failures are returned as *rpcerr.SerializationError.
func Invoke[Args, Reply any](ctx context.Context, c *Client, method string, args *Args) (*Reply, error) {
	payload, err := c.opts.payloadCodec.Encode(args)
	if err != nil {
		return nil, &rpcerr.SerializationError{Err: err}
	}
	out, err := c.Call(ctx, method, payload)
	if err != nil {
		return nil, err
	}
	reply := new(Reply)
	if err := c.opts.payloadCodec.Decode(out, reply); err != nil {
		return nil, &rpcerr.SerializationError{Err: err}
	}
	return reply, nil
}
