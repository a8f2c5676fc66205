package retryclient

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sowbridge/sowbridge/pkg/resilience"

	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
)

var validate = validator.New()

// Endpoint is the immutable configuration of one logical remote operation.
type Endpoint struct {
	Name              string        `validate:"required"`
	MinInterval       time.Duration `validate:"gte=0"`
	MaxAttempts       int           `validate:"gte=1"`
	BackoffBase       time.Duration `validate:"gt=0"`
	BackoffMultiplier float64       `validate:"gte=1"`
	BackoffCap        time.Duration `validate:"gt=0"`
	JitterRange       time.Duration `validate:"gte=0"`
}

// Validate checks the endpoint is usable.
func (e Endpoint) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: endpoint %q: %v", apperrors.ErrInvalidInput, e.Name, err)
	}
	if e.BackoffCap < e.BackoffBase {
		return fmt.Errorf("%w: endpoint %q: backoff cap %v below base %v", apperrors.ErrInvalidInput, e.Name, e.BackoffCap, e.BackoffBase)
	}
	return nil
}

// Backoff returns the endpoint's backoff policy.
func (e Endpoint) Backoff() resilience.BackoffPolicy {
	return resilience.BackoffPolicy{
		Base:        e.BackoffBase,
		Multiplier:  e.BackoffMultiplier,
		Cap:         e.BackoffCap,
		JitterRange: e.JitterRange,
	}
}

// Placement says where a credential travels on the request.
type Placement int

const (
	InQuery Placement = iota
	InHeader
)

// Credential is one authentication token. Credentials are tried in order;
// the client advances to the next one only after a 401/403.
type Credential struct {
	Label     string
	Token     string
	Placement Placement
	// Name is the query parameter or header name.
	Name string
	// Scheme prefixes header values, e.g. "Bearer".
	Scheme string
}

// QueryKey is a credential sent as a query parameter, as SAM.gov expects.
func QueryKey(label, param, token string) Credential {
	return Credential{Label: label, Token: token, Placement: InQuery, Name: param}
}

// BearerToken is a credential sent as an Authorization bearer header.
func BearerToken(label, token string) Credential {
	return Credential{Label: label, Token: token, Placement: InHeader, Name: "Authorization", Scheme: "Bearer"}
}

func (c Credential) applyQuery(q url.Values) {
	if c.Placement == InQuery {
		q.Set(c.Name, c.Token)
	}
}

func (c Credential) applyHeader(h http.Header) {
	if c.Placement != InHeader {
		return
	}
	value := c.Token
	if c.Scheme != "" {
		value = c.Scheme + " " + c.Token
	}
	h.Set(c.Name, value)
}

// RequestSpec describes one logical request. URLs are tried in order, each
// with a fresh retry budget; Credentials are sticky across URLs.
type RequestSpec struct {
	Method      string
	URLs        []string
	Query       url.Values
	Header      http.Header
	Body        []byte
	Credentials []Credential
	// MaxAttempts overrides the endpoint's budget per URL when positive.
	MaxAttempts int
}

// Response is a successful outcome of Execute.
type Response struct {
	StatusCode      int
	Header          http.Header
	Body            []byte
	Attempts        int
	URL             string
	CredentialIndex int
}

func usableCredentials(in []Credential) []Credential {
	out := make([]Credential, 0, len(in))
	for _, c := range in {
		if c.Token != "" {
			out = append(out, c)
		}
	}
	return out
}
