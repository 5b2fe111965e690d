package gate

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
)

const payerKey = "x402.payer"

type ctxKey struct{}

var ErrPayerSet = errors.New("payer already attached to this request")

// SetPayer attaches the verified payer to the request. It refuses a second
// call so nothing downstream can swap the identity.
func SetPayer(c *gin.Context, payer string) error {
	if _, ok := c.Get(payerKey); ok {
		return ErrPayerSet
	}
	c.Set(payerKey, payer)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxKey{}, payer))
	return nil
}

// PayerFrom returns the payer verified by the gate for this request.
func PayerFrom(c *gin.Context) (string, bool) {
	v, ok := c.Get(payerKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func PayerFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxKey{}).(string)
	return s, ok && s != ""
}
