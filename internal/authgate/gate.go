package authgate

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/smartly-home/smartly-bridge/internal/config"
	"github.com/smartly-home/smartly-bridge/internal/nonce"
	"github.com/smartly-home/smartly-bridge/internal/ratelimit"
)

// Denial codes. The strings are wire-stable.
const (
	CodeIPNotAllowed       = "ip_not_allowed"
	CodeMissingHeaders     = "missing_headers"
	CodeInvalidClientID    = "invalid_client_id"
	CodeInvalidTimestamp   = "invalid_timestamp"
	CodeNonceReused        = "nonce_reused"
	CodeInvalidSignature   = "invalid_signature"
	CodeRateLimited        = "rate_limited"
	CodeServiceUnavailable = "service_unavailable"
)

const (
	// MaxSkew bounds |now - X-Timestamp|.
	MaxSkew = 30 * time.Second

	// maxBodyBytes caps how much of a request body the gate will buffer
	// for hashing. Control and history bodies are tiny; anything larger
	// is not a legitimate client.
	maxBodyBytes = 1 << 20
)

// Grant identifies a verified caller.
type Grant struct {
	ClientID string
	SourceIP string
}

// Denial explains a failed verification step. Decision is set only for
// rate_limited so the handler can emit Retry-After and X-RateLimit-*.
type Denial struct {
	Code     string
	Status   int
	Decision *ratelimit.Decision
}

// Verifier runs the ordered verification steps against the live config
// snapshot. Steps short-circuit: the first failure names the response.
type Verifier struct {
	store   *config.Store
	nonces  nonce.Store
	limiter ratelimit.Limiter

	now func() time.Time
}

func NewVerifier(store *config.Store, nonces nonce.Store, limiter ratelimit.Limiter) *Verifier {
	return &Verifier{
		store:   store,
		nonces:  nonces,
		limiter: limiter,
		now:     time.Now,
	}
}

// Verify checks a request in order: source IP, header presence, client
// identity, timestamp skew, nonce freshness, signature, rate limit. On
// success the request body has been consumed and replaced with an
// in-memory copy, so handlers read it as usual.
func (v *Verifier) Verify(r *http.Request) (*Grant, *Denial) {
	cfg := v.store.Current()

	sourceIP := SourceIP(r, cfg.TrustProxyMode, cfg.AllowedNetworks())
	if !IPAllowed(sourceIP, cfg.AllowedNetworks()) {
		return nil, &Denial{Code: CodeIPNotAllowed, Status: http.StatusUnauthorized}
	}

	clientID := r.Header.Get("X-Client-Id")
	timestamp := r.Header.Get("X-Timestamp")
	nonceVal := r.Header.Get("X-Nonce")
	signature := r.Header.Get("X-Signature")
	if clientID == "" || timestamp == "" || nonceVal == "" || signature == "" {
		return nil, &Denial{Code: CodeMissingHeaders, Status: http.StatusUnauthorized}
	}

	if clientID != cfg.ClientID {
		return nil, &Denial{Code: CodeInvalidClientID, Status: http.StatusUnauthorized}
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, &Denial{Code: CodeInvalidTimestamp, Status: http.StatusUnauthorized}
	}
	skew := v.now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	// compare in whole seconds; converting huge skews to time.Duration
	// would overflow int64 and wrap back inside the window
	if skew > int64(MaxSkew/time.Second) {
		return nil, &Denial{Code: CodeInvalidTimestamp, Status: http.StatusUnauthorized}
	}

	fresh, err := v.nonces.CheckAndAdd(r.Context(), nonceVal)
	if err != nil {
		// Replay protection cannot be skipped; without the nonce store a
		// captured request would verify again.
		log.Printf("[ERROR] Nonce store unavailable: %v", err)
		return nil, &Denial{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable}
	}
	if !fresh {
		return nil, &Denial{Code: CodeNonceReused, Status: http.StatusUnauthorized}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, &Denial{Code: CodeInvalidSignature, Status: http.StatusUnauthorized}
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	canonical := CanonicalString(r.Method, RequestTarget(r), timestamp, nonceVal, body)
	if !VerifySignature(cfg.ClientSecret, canonical, signature) {
		return nil, &Denial{Code: CodeInvalidSignature, Status: http.StatusUnauthorized}
	}

	decision, err := v.limiter.Allow(r.Context(), clientID)
	if err != nil {
		// The limiter is an availability guard, not an authenticity one;
		// a broken backend must not lock the platform out.
		log.Printf("[WARN] Rate limiter unavailable, admitting request: %v", err)
		return &Grant{ClientID: clientID, SourceIP: sourceIP}, nil
	}
	if !decision.Allowed {
		return nil, &Denial{
			Code:     CodeRateLimited,
			Status:   http.StatusTooManyRequests,
			Decision: decision,
		}
	}

	return &Grant{ClientID: clientID, SourceIP: sourceIP}, nil
}
