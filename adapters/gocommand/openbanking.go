package gocommand

import (
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	obcommand "github.com/goliatone/go-openbanking/command"
	"github.com/goliatone/go-openbanking/core"
	obquery "github.com/goliatone/go-openbanking/query"
)

// Handlers holds the dependencies behind the openbanking command and query
// surface. Nil dependencies leave their handlers unregistered.
type Handlers struct {
	Service    obcommand.MutatingService
	Revoker    obcommand.ConsentRevoker
	Reader     obquery.ConsentReader
	Lister     obquery.ConsentLister
	Compliance obquery.ComplianceReader
}

// Registration tracks the subscriptions created by RegisterOpenBanking.
type Registration struct {
	subscriptions []commanddispatcher.Subscription
}

func (r *Registration) Len() int {
	if r == nil {
		return 0
	}
	return len(r.subscriptions)
}

// Unsubscribe removes every dispatcher subscription.
func (r *Registration) Unsubscribe() {
	if r == nil {
		return
	}
	for _, subscription := range r.subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
	r.subscriptions = nil
}

func (r *Registration) add(subscription commanddispatcher.Subscription, err error) error {
	if err != nil {
		return err
	}
	r.subscriptions = append(r.subscriptions, subscription)
	return nil
}

// RegisterOpenBanking registers and subscribes every openbanking handler
// whose dependency is present. On failure nothing stays subscribed.
func RegisterOpenBanking(bus *Bus, handlers Handlers) (*Registration, error) {
	if err := bus.ready(); err != nil {
		return nil, err
	}
	reg := &Registration{}
	steps := make([]func() error, 0, 9)

	if handlers.Service != nil {
		steps = append(steps,
			func() error {
				return reg.add(HandleCommand[obcommand.ConnectMessage](bus, obcommand.NewConnectCommand(handlers.Service)))
			},
			func() error {
				return reg.add(HandleCommand[obcommand.CompleteAuthorizationMessage](bus, obcommand.NewCompleteAuthorizationCommand(handlers.Service)))
			},
			func() error {
				return reg.add(HandleCommand[obcommand.DisconnectMessage](bus, obcommand.NewDisconnectCommand(handlers.Service)))
			},
			func() error {
				return reg.add(HandleCommand[obcommand.RefreshTokenMessage](bus, obcommand.NewRefreshTokenCommand(handlers.Service)))
			},
		)
	}
	if handlers.Revoker != nil {
		steps = append(steps, func() error {
			return reg.add(HandleCommand[obcommand.RevokeConsentMessage](bus, obcommand.NewRevokeConsentCommand(handlers.Revoker)))
		})
	}
	if handlers.Reader != nil {
		steps = append(steps,
			func() error {
				return reg.add(HandleQuery[obquery.ConsentStatusMessage, core.Consent](bus, obquery.NewConsentStatusQuery(handlers.Reader)))
			},
			func() error {
				return reg.add(HandleQuery[obquery.RequireConsentMessage, core.Consent](bus, obquery.NewRequireConsentQuery(handlers.Reader)))
			},
		)
	}
	if handlers.Lister != nil {
		steps = append(steps, func() error {
			return reg.add(HandleQuery[obquery.ListConsentsMessage, []core.Consent](bus, obquery.NewListConsentsQuery(handlers.Lister)))
		})
	}
	if handlers.Compliance != nil {
		steps = append(steps, func() error {
			return reg.add(HandleQuery[obquery.SecurityComplianceMessage, core.ComplianceReport](bus, obquery.NewSecurityComplianceQuery(handlers.Compliance)))
		})
	}

	for _, step := range steps {
		if err := step(); err != nil {
			reg.Unsubscribe()
			return nil, err
		}
	}
	return reg, nil
}
