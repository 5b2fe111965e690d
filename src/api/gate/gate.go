// Package gate charges for paid routes before their handlers run. A request
// on a paid route either carries a proof the facilitator accepts for the
// exact fee, or it is answered with 402 and never reaches the handler.
package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/stake-plus/infra402/src/api/metrics"
	"github.com/stake-plus/infra402/src/api/pricing"
	"github.com/stake-plus/infra402/src/api/x402"
	"github.com/stake-plus/infra402/src/logging"
)

const maxPricedBody = 1 << 20

type Options struct {
	Terms      x402.Terms
	Verifier   x402.Verifier
	Guard      x402.Guard // nil disables replay detection
	JWTSecret  []byte
	SessionTTL time.Duration
	Logger     *log.Logger
}

type Gate struct {
	terms      x402.Terms
	verifier   x402.Verifier
	guard      x402.Guard
	secret     []byte
	sessionTTL time.Duration
	log        *log.Logger
	now        func() time.Time
}

func New(o Options) *Gate {
	if o.SessionTTL <= 0 {
		o.SessionTTL = 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = logging.New("x402-gate")
	}
	return &Gate{
		terms:      o.Terms,
		verifier:   o.Verifier,
		guard:      o.Guard,
		secret:     o.JWTSecret,
		sessionTTL: o.SessionTTL,
		log:        o.Logger,
		now:        time.Now,
	}
}

// ErrBodyTooLarge is returned by Fee for priced bodies over 1 MiB.
var ErrBodyTooLarge = errors.New("request body too large")

// Fee prices a request for its route. The body is read and put back so the
// handler can bind it again. Unusable input prices at the defaults; only an
// oversized body fails.
func (g *Gate) Fee(c *gin.Context, route Route) (decimal.Decimal, error) {
	if route == RouteManagement {
		return pricing.ManagementFee(), nil
	}
	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(c.Request.Body, maxPricedBody+1))
		if err != nil {
			return decimal.Zero, fmt.Errorf("read body: %w", err)
		}
		if len(body) > maxPricedBody {
			return decimal.Zero, ErrBodyTooLarge
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
	}
	fee, err := pricing.Price(pricing.FromBody(body))
	if err != nil {
		fee, _ = pricing.Price(pricing.NewRequest(0))
	}
	return fee, nil
}

func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := Classify(c.Request.Method, c.Request.URL.Path)
		if route == RouteFree {
			c.Next()
			return
		}

		fee, err := g.Fee(c, route)
		if errors.Is(err, ErrBodyTooLarge) {
			metrics.Payments.WithLabelValues(route.String(), "too_large").Inc()
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"err": err.Error(), "detail": err.Error()})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"err": err.Error(), "detail": err.Error()})
			return
		}
		req := g.terms.Requirements(fee, resourceURL(c.Request), route.description())
		header := c.GetHeader(x402.HeaderPayment)

		proof, err := x402.Decode(header)
		if err != nil {
			g.reject(c, route, "missing", fee, req, err)
			return
		}
		payer, err := g.verifier.Verify(c.Request.Context(), proof, req)
		if err != nil {
			var inv *x402.InvalidError
			if errors.As(err, &inv) {
				g.reject(c, route, "invalid", fee, req, err)
			} else {
				g.log.Printf("verify %s: %v", route, err)
				g.reject(c, route, "verify_error", fee, req, errors.New("payment verification unavailable"))
			}
			return
		}

		fp := x402.Fingerprint(header)
		if g.guard != nil {
			fresh, err := g.guard.Claim(c.Request.Context(), fp, payer)
			if err != nil {
				g.log.Printf("replay guard: %v", err)
				g.reject(c, route, "verify_error", fee, req, errors.New("payment verification unavailable"))
				return
			}
			if !fresh {
				g.reject(c, route, "replayed", fee, req, x402.ErrReplayed)
				return
			}
		}

		if err := SetPayer(c, payer); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
			return
		}
		if len(g.secret) > 0 {
			if tok, err := IssueSession(payer, g.secret, g.sessionTTL, g.now()); err == nil {
				c.Header(HeaderSession, tok)
			} else {
				g.log.Printf("session token: %v", err)
			}
		}
		metrics.Payments.WithLabelValues(route.String(), "accepted").Inc()

		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			g.release(fp)
			metrics.Payments.WithLabelValues(route.String(), "not_charged").Inc()
			return
		}
		g.settle(c.Request.Context(), route, payer, proof, req)
	}
}

func (g *Gate) reject(c *gin.Context, route Route, outcome string, fee decimal.Decimal, req x402.PaymentRequirements, err error) {
	metrics.Payments.WithLabelValues(route.String(), outcome).Inc()
	c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.PaymentRequired{
		X402Version: x402.Version,
		Error:       err.Error(),
		Price:       pricing.Format(fee),
		PayTo:       g.terms.PayTo,
		Accepts:     []x402.PaymentRequirements{req},
	})
}

func (g *Gate) release(fp string) {
	if g.guard == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.guard.Release(ctx, fp); err != nil {
		g.log.Printf("release proof %s: %v", fp[:12], err)
	}
}

// settle runs after the response is written; a failure is only logged.
func (g *Gate) settle(ctx context.Context, route Route, payer string, proof x402.PaymentPayload, req x402.PaymentRequirements) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	s, err := g.verifier.Settle(ctx, proof, req)
	if err != nil {
		metrics.Payments.WithLabelValues(route.String(), "settle_failed").Inc()
		g.log.Printf("settle %s for %s: %v", route, payer, err)
		return
	}
	metrics.Payments.WithLabelValues(route.String(), "settled").Inc()
	g.log.Printf("settled %s for %s: tx %s", route, payer, s.Transaction)
}

func resourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.Path
}
