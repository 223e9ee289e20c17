package rpc

import "thinauth.org/internal/auth"

// Wire messages of the thinauth.v1.Authority service.

type Empty struct{}

type AuthRequest struct {
	Req auth.AuthReq `json:"req"`
}

type UpdateAliasRequest struct {
	New auth.AuthReq `json:"new"`
	Old auth.AuthReq `json:"old"`
}

type RefRequest struct {
	Ref string `json:"ref"`
}

type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

type WarrantsResponse struct {
	Warrants auth.Warrants `json:"warrants"`
}

type StateRequest struct {
	IDWarrant string         `json:"idWarrant"`
	Patch     map[string]any `json:"patch,omitempty"`
}

type StateResponse struct {
	State map[string]any `json:"state"`
}

type ChallengeResponse struct {
	Nonce string `json:"nonce"`
}

type SubscribeRequest struct{}

// Event kinds pushed on the Subscribe stream.
const (
	EventReady      = "ready"
	EventAuth       = "auth"
	EventDevRequest = "dev_request"
)

// Event is one server push.
type Event struct {
	Kind     string         `json:"kind"`
	Warrants *auth.Warrants `json:"warrants,omitempty"`
	Ref      string         `json:"ref,omitempty"`
	Op       auth.OpKind    `json:"op,omitempty"`
}
