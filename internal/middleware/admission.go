package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/admission"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/apierr"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tier"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// HeaderTokensRequired lets callers declare the tokens a request needs up
// front so it can be denied before any upstream call.
const HeaderTokensRequired = "X-Tokens-Required"

const maxInspectedBody = 1 << 20

// Admission guards a route with the admission pipeline. Denied requests are
// answered here; admitted ones get the quota headers and their usage is
// settled from the response status unless the handler finalized the ticket.
func Admission(p *admission.Pipeline, action models.ActionType, features ...tier.Feature) gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		req := admission.Request{
			UserID:           c.GetString(ContextUserID),
			Tier:             UserTier(c),
			Action:           action,
			IPAddress:        c.ClientIP(),
			Endpoint:         endpoint,
			Payload:          peekBody(c),
			RequiredFeatures: features,
		}
		if raw := strings.TrimSpace(c.GetHeader(HeaderTokensRequired)); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
				req.TokensRequired = &n
			}
		}

		ticket, err := p.Admit(c.Request.Context(), req)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		for name, values := range ticket.Headers() {
			for _, v := range values {
				c.Writer.Header().Add(name, v)
			}
		}
		c.Set(ContextTicket, ticket)

		c.Next()

		ticket.Settle(c.Writer.Status() < http.StatusBadRequest)
	}
}

// Ticket returns the admission ticket of the request, if any.
func Ticket(c *gin.Context) (*admission.Ticket, bool) {
	v, ok := c.Get(ContextTicket)
	if !ok {
		return nil, false
	}
	ticket, ok := v.(*admission.Ticket)
	return ticket, ok
}

// AbortWithError writes the JSON error envelope for err and stops the chain.
func AbortWithError(c *gin.Context, err error) {
	status, body := apierr.Response(err)
	if retryAfter, ok := apierr.RetryAfter(err); ok {
		c.Header("Retry-After", strconv.Itoa(retryAfter))
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("request_id", c.GetString(ContextRequestID)).Error("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

// peekBody reads the request body for token estimation and restores it for
// the handler.
func peekBody(c *gin.Context) []byte {
	if c.Request.Body == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInspectedBody))
	rest := c.Request.Body
	c.Request.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), rest), rest}
	if err != nil {
		return nil
	}
	return body
}
