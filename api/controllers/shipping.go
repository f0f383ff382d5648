package controllers

import (
	"context"
	"net/http"

	"github.com/copperline/checkout-backend/api/responses"
	"github.com/copperline/checkout-backend/api/validators"
	"github.com/copperline/checkout-backend/internal/shipping"
	"github.com/copperline/checkout-backend/pkg/commerce"
	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
	"github.com/copperline/checkout-backend/pkg/logger"
)

type ShippingService interface {
	CalculateShipping(ctx context.Context, address commerce.Address, items []commerce.LineItem) (*shipping.Quote, error)
	CalculateTax(ctx context.Context, address commerce.Address, items []commerce.LineItem) (*commerce.TaxQuote, error)
}

type addressRequest struct {
	Line1      string `json:"line1,omitempty"`
	City       string `json:"city,omitempty"`
	Province   string `json:"province,omitempty"`
	Country    string `json:"country" validate:"required"`
	PostalCode string `json:"postalCode" validate:"required"`
}

type lineItemRequest struct {
	VariantID  string `json:"variantId" validate:"required"`
	Quantity   int    `json:"quantity" validate:"required,gt=0"`
	PriceCents int64  `json:"priceCents" validate:"gte=0"`
}

type quoteRequest struct {
	Address addressRequest    `json:"address" validate:"required"`
	Items   []lineItemRequest `json:"items" validate:"required,min=1,dive"`
}

func (q quoteRequest) toDomain() (commerce.Address, []commerce.LineItem) {
	address := commerce.Address{
		Line1:      q.Address.Line1,
		City:       q.Address.City,
		Province:   q.Address.Province,
		Country:    q.Address.Country,
		PostalCode: q.Address.PostalCode,
	}
	items := make([]commerce.LineItem, 0, len(q.Items))
	for _, item := range q.Items {
		items = append(items, commerce.LineItem{
			VariantID:  item.VariantID,
			Quantity:   item.Quantity,
			PriceCents: item.PriceCents,
		})
	}
	return address, items
}

type shippingResponse struct {
	Rates    []commerce.ShippingRate `json:"rates"`
	Fallback bool                    `json:"fallback,omitempty"`
}

// CalculateShipping quotes delivery options for the cart.
func CalculateShipping(svc ShippingService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "shipping service unavailable"))
			return
		}

		var req quoteRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		address, items := req.toDomain()
		quote, err := svc.CalculateShipping(ctx, address, items)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, shippingResponse{Rates: quote.Rates, Fallback: quote.Fallback})
	}
}

// CalculateTax quotes the tax due on the cart.
func CalculateTax(svc ShippingService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "shipping service unavailable"))
			return
		}

		var req quoteRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		address, items := req.toDomain()
		quote, err := svc.CalculateTax(ctx, address, items)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, quote)
	}
}
