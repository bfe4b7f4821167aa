package broker

import (
	"context"
	"fmt"

	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/router"
)

// Handler returns the router handler for the broker's request types.
func (b *Broker) Handler() router.Handler {
	return router.HandlerFunc(b.serveEnvelope)
}

// Register installs the broker handler on r for every request type it serves.
func (b *Broker) Register(r *router.Router) {
	h := b.Handler()
	for _, t := range []contracts.MessageType{
		contracts.MessageConnect,
		contracts.MessageSignAuth,
		contracts.MessageDisconnect,
	} {
		r.Handle(t, h)
	}
}

func (b *Broker) serveEnvelope(ctx context.Context, env contracts.Envelope) (contracts.Envelope, error) {
	switch env.Type {
	case contracts.MessageConnect:
		res, err := b.Authorize(ctx, contracts.AuthKindConnect, env.Origin, env.Payload())
		if err != nil {
			return contracts.Envelope{}, err
		}
		return resultEnvelope(env, res), nil

	case contracts.MessageSignAuth:
		// The spend is recorded as soon as it is authorized; signing happens
		// after this reply and cannot fail the allowance.
		res, err := b.AuthorizeSpend(ctx, env.Origin, env.Price)
		if err != nil {
			return contracts.Envelope{}, err
		}
		reply := resultEnvelope(env, res)
		reply.TransactionID = env.TransactionID
		return reply, nil

	case contracts.MessageDisconnect:
		if err := b.Disconnect(ctx, env.Origin); err != nil {
			return contracts.Envelope{}, err
		}
		return env.Reply(true, ""), nil

	default:
		return contracts.Envelope{}, fmt.Errorf("%w: broker does not serve %q", contracts.ErrInvalidAuthCall, env.Type)
	}
}

func resultEnvelope(req contracts.Envelope, res contracts.AuthResult) contracts.Envelope {
	reply := req.Reply(res.Granted, res.Reason)
	if !res.Granted {
		reply.Code = res.Reason
	}
	return reply
}
