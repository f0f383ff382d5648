package shipping

import (
	"context"
	"fmt"
	"strings"

	"github.com/copperline/checkout-backend/pkg/commerce"
	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
	"github.com/copperline/checkout-backend/pkg/logger"
	"github.com/copperline/checkout-backend/pkg/resilience"
)

type platformClient interface {
	ShippingRates(ctx context.Context, address commerce.Address, items []commerce.LineItem) ([]commerce.ShippingRate, error)
	CalculateTax(ctx context.Context, address commerce.Address, items []commerce.LineItem) (*commerce.TaxQuote, error)
}

// Quote is a shipping calculation result. Fallback marks rates quoted locally
// because the commerce platform was unreachable.
type Quote struct {
	Rates    []commerce.ShippingRate
	Fallback bool
}

// Service quotes shipping and tax through the commerce platform.
type Service struct {
	platform  platformClient
	executor  *resilience.Executor
	flatCents int64
	logg      *logger.Logger
}

// ServiceParams wires the shipping service dependencies.
type ServiceParams struct {
	Platform              platformClient
	Executor              *resilience.Executor
	FlatShippingRateCents int64
	Logger                *logger.Logger
}

// NewService builds the shipping service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Platform == nil {
		return nil, fmt.Errorf("commerce client required")
	}
	return &Service{
		platform:  params.Platform,
		executor:  params.Executor,
		flatCents: params.FlatShippingRateCents,
		logg:      params.Logger,
	}, nil
}

// CalculateShipping quotes delivery options for the address. When the
// platform is unreachable it degrades to a single flat rate so checkout can
// continue, rather than blocking the customer on a rates outage.
func (s *Service) CalculateShipping(ctx context.Context, address commerce.Address, items []commerce.LineItem) (*Quote, error) {
	if err := validateAddress(address); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one line item is required")
	}

	var rates []commerce.ShippingRate
	err := s.run(ctx, func(ctx context.Context) error {
		var callErr error
		rates, callErr = s.platform.ShippingRates(ctx, address, items)
		return callErr
	})
	if err != nil {
		if commerce.IsTransient(err) {
			if s.logg != nil {
				s.logg.Warn(ctx, "shipping.flat_rate_fallback")
			}
			return &Quote{
				Rates:    []commerce.ShippingRate{{Name: "Standard Shipping", AmountCents: s.flatCents}},
				Fallback: true,
			}, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "shipping calculation rejected")
	}

	return &Quote{Rates: rates}, nil
}

// CalculateTax quotes the tax due. Tax has no safe local fallback; an outage
// surfaces as a retryable dependency error.
func (s *Service) CalculateTax(ctx context.Context, address commerce.Address, items []commerce.LineItem) (*commerce.TaxQuote, error) {
	if err := validateAddress(address); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one line item is required")
	}

	var quote *commerce.TaxQuote
	err := s.run(ctx, func(ctx context.Context) error {
		var callErr error
		quote, callErr = s.platform.CalculateTax(ctx, address, items)
		return callErr
	})
	if err != nil {
		if commerce.IsTransient(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "tax calculation unavailable")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "tax calculation rejected")
	}

	return quote, nil
}

func (s *Service) run(ctx context.Context, op func(context.Context) error) error {
	if s.executor == nil {
		return op(ctx)
	}
	return s.executor.Do(ctx, op)
}

func validateAddress(address commerce.Address) error {
	if strings.TrimSpace(address.Country) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "address country is required")
	}
	if strings.TrimSpace(address.PostalCode) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "address postal code is required")
	}
	return nil
}
