package openbanking

import (
	"github.com/goliatone/go-openbanking/consent"
	"github.com/goliatone/go-openbanking/core"

	obcommand "github.com/goliatone/go-openbanking/command"
	obquery "github.com/goliatone/go-openbanking/query"
)

type CommandQueryService interface {
	obcommand.MutatingService
	obquery.ConsentReader
	obquery.ComplianceReader
}

type Commands struct {
	Connect               *obcommand.ConnectCommand
	CompleteAuthorization *obcommand.CompleteAuthorizationCommand
	Disconnect            *obcommand.DisconnectCommand
	RefreshToken          *obcommand.RefreshTokenCommand
	RevokeConsent         *obcommand.RevokeConsentCommand
}

type Queries struct {
	ConsentStatus      *obquery.ConsentStatusQuery
	RequireConsent     *obquery.RequireConsentQuery
	ListConsents       *obquery.ListConsentsQuery
	SecurityCompliance *obquery.SecurityComplianceQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	revoker obcommand.ConsentRevoker
	lister  obquery.ConsentLister
}

// WithConsentRevoker overrides the revoker taken from the service's consent
// lifecycle.
func WithConsentRevoker(revoker obcommand.ConsentRevoker) FacadeOption {
	return func(options *facadeOptions) {
		options.revoker = revoker
	}
}

// WithConsentLister overrides the consent record store used for listing.
func WithConsentLister(lister obquery.ConsentLister) FacadeOption {
	return func(options *facadeOptions) {
		options.lister = lister
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "openbanking: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	revoker, lister := resolveConsentCollaborators(service)
	if cfg.revoker != nil {
		revoker = cfg.revoker
	}
	if cfg.lister != nil {
		lister = cfg.lister
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		Connect:               obcommand.NewConnectCommand(service),
		CompleteAuthorization: obcommand.NewCompleteAuthorizationCommand(service),
		Disconnect:            obcommand.NewDisconnectCommand(service),
		RefreshToken:          obcommand.NewRefreshTokenCommand(service),
		RevokeConsent:         obcommand.NewRevokeConsentCommand(revoker),
	}
	facade.queries = Queries{
		ConsentStatus:      obquery.NewConsentStatusQuery(service),
		RequireConsent:     obquery.NewRequireConsentQuery(service),
		ListConsents:       obquery.NewListConsentsQuery(lister),
		SecurityCompliance: obquery.NewSecurityComplianceQuery(service),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

// resolveConsentCollaborators digs the consent lifecycle out of a core
// service. Either result may be nil; the handlers report a missing
// dependency when executed.
func resolveConsentCollaborators(service CommandQueryService) (obcommand.ConsentRevoker, obquery.ConsentLister) {
	var revoker obcommand.ConsentRevoker
	var lister obquery.ConsentLister
	if direct, ok := service.(obcommand.ConsentRevoker); ok {
		revoker = direct
	}
	if direct, ok := service.(obquery.ConsentLister); ok {
		lister = direct
	}

	provider, ok := service.(interface {
		Dependencies() core.ServiceDependencies
	})
	if !ok {
		return revoker, lister
	}
	consents := provider.Dependencies().Consents
	if consents == nil {
		return revoker, lister
	}
	if revoker == nil {
		revoker = consents
	}
	if lister == nil {
		if withStore, ok := consents.(interface{ Store() consent.Store }); ok {
			if store := withStore.Store(); store != nil {
				lister = store
			}
		}
	}
	return revoker, lister
}
