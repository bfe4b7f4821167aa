package router

import "github.com/airyland/ArConnect/pkg/contracts"

// Link is one end of a typed duplex channel between two contexts.
type Link struct {
	In  <-chan contracts.Envelope
	Out chan<- contracts.Envelope
}

// Pipe returns two connected ends: what is sent on one end's Out arrives on
// the other end's In.
func Pipe(buffer int) (Link, Link) {
	ab := make(chan contracts.Envelope, buffer)
	ba := make(chan contracts.Envelope, buffer)
	return Link{In: ba, Out: ab}, Link{In: ab, Out: ba}
}
