package xstripe

import (
	"context"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

type Client struct {
	cl *client.API
}

func NewClient(cl *client.API) *Client {
	return &Client{cl: cl}
}

func (c *Client) CreatePaymentIntent(_ context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return c.cl.PaymentIntents.New(params)
}

func (c *Client) PaymentIntent(_ context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return c.cl.PaymentIntents.Get(id, params)
}

func (c *Client) CreateAccount(_ context.Context, params *stripe.AccountParams) (*stripe.Account, error) {
	return c.cl.Account.New(params)
}

func (c *Client) Account(_ context.Context, id string) (*stripe.Account, error) {
	return c.cl.Account.GetByID(id, nil)
}

func (c *Client) CreateAccountLink(_ context.Context, params *stripe.AccountLinkParams) (*stripe.AccountLink, error) {
	return c.cl.AccountLinks.New(params)
}
