// Package token issues and validates the signed QR payloads that authorize
// event check-ins and kiosk payments. A payload is the canonical JSON of its
// fields plus an "hmac" field: the hex HMAC-SHA256 of the canonical JSON of
// every other field, keyed by the owning context's secret.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"loyalty-backend/apperr"
	"loyalty-backend/metrics"
	"loyalty-backend/models"
	"loyalty-backend/store"
)

// SecretSize is the length of a context secret in bytes.
const SecretSize = 32

const signatureField = "hmac"

type Reason string

const (
	ReasonMalformed        Reason = "malformed"
	ReasonContextNotFound  Reason = "context_not_found"
	ReasonBadSignature     Reason = "bad_signature"
	ReasonExpired          Reason = "expired"
	ReasonTokenNotFound    Reason = "token_not_found"
	ReasonAlreadyProcessed Reason = "already_processed"
)

// Claims are the signed facts carried by a payload.
type Claims struct {
	ContextID uuid.UUID
	Sequence  int64
	ExpiresAt time.Time

	// Kiosk payloads only.
	OrderID     uuid.UUID
	TotalPoints int64
}

// Result is the outcome of Validate. Reason is empty when Valid is true.
type Result struct {
	Valid  bool
	Reason Reason
	Claims Claims
	Token  *models.Token
}

// Err translates a rejection into a user-facing error. Messages never carry
// the signature or anything derived from the secret.
func (r Result) Err() error {
	switch r.Reason {
	case "":
		return nil
	case ReasonContextNotFound:
		return apperr.NotFound("QR code issuer not found")
	case ReasonExpired:
		return apperr.Expired("QR code expired")
	case ReasonTokenNotFound:
		return apperr.NotFound("QR code not recognized")
	case ReasonAlreadyProcessed:
		return apperr.AlreadyProcessed("QR code has already been used")
	default:
		return apperr.InvalidOperation("invalid QR code")
	}
}

// Shape is the payload strategy of one kind of token context.
type Shape interface {
	Kind() string
	// Fields returns the signed field set for c, without the signature.
	Fields(c Claims) map[string]any
	// Parse reads claims back from received fields. Numbers arrive as
	// json.Number. Any error means the payload is malformed.
	Parse(fields map[string]any) (Claims, error)
	// Secret returns the context secret, or apperr.ErrNotFound.
	Secret(ctx context.Context, tx store.Tx, contextID uuid.UUID) ([]byte, error)
	// Lookup finds the persisted token for c, or apperr.ErrNotFound.
	Lookup(ctx context.Context, tx store.Tx, c Claims) (*models.Token, error)
	// Redeemable reports whether the thing the token authorizes can still
	// be consumed.
	Redeemable(ctx context.Context, tx store.Tx, c Claims) (bool, error)
}

type Protocol struct {
	store   store.Store
	shape   Shape
	secrets *lru.Cache[uuid.UUID, []byte]
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Protocol)

func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Protocol) { p.logger = logger }
}

// WithCacheSize bounds the number of context secrets kept in memory.
func WithCacheSize(n int) Option {
	return func(p *Protocol) {
		if n > 0 {
			p.secrets = lru.NewCache[uuid.UUID, []byte](n)
		}
	}
}

func New(s store.Store, shape Shape, opts ...Option) *Protocol {
	p := &Protocol{
		store:   s,
		shape:   shape,
		secrets: lru.NewCache[uuid.UUID, []byte](1024),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "token", "kind", shape.Kind())
	return p
}

// NewSecret generates a fresh context secret.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, nil
}

// Canonical returns the RFC 8785 serialization of fields.
func Canonical(fields map[string]any) ([]byte, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token fields: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize token fields: %w", err)
	}
	return out, nil
}

// Sign returns the hex HMAC-SHA256 of the canonical form of fields.
func Sign(fields map[string]any, secret []byte) (string, error) {
	canonical, err := Canonical(fields)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Encode builds the signed payload for c.
func (p *Protocol) Encode(c Claims, secret []byte) (string, error) {
	fields := p.shape.Fields(c)
	sig, err := Sign(fields, secret)
	if err != nil {
		return "", err
	}
	fields[signatureField] = sig
	payload, err := Canonical(fields)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// Issue persists the token for c inside tx. When a token already exists for
// (c.ContextID, c.Sequence) that token is returned unchanged.
func (p *Protocol) Issue(ctx context.Context, tx store.Tx, c Claims) (*models.Token, error) {
	existing, err := tx.GetToken(ctx, c.ContextID, c.Sequence)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	secret, err := p.secret(ctx, tx, c.ContextID)
	if err != nil {
		return nil, err
	}
	payload, err := p.Encode(c, secret)
	if err != nil {
		return nil, err
	}

	tok := &models.Token{
		ContextID: c.ContextID,
		Sequence:  c.Sequence,
		Payload:   payload,
		ExpiresAt: c.ExpiresAt,
		CreatedAt: p.now(),
	}
	if c.OrderID != uuid.Nil {
		orderID := c.OrderID
		tok.OrderID = &orderID
	}

	created, err := tx.InsertToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost the race for this key; the winner's row is authoritative.
		return tx.GetToken(ctx, c.ContextID, c.Sequence)
	}
	metrics.TokensIssuedTotal.WithLabelValues(p.shape.Kind()).Inc()
	p.logger.Debug("token issued", "context_id", c.ContextID, "sequence", c.Sequence, "expires_at", c.ExpiresAt)
	return tok, nil
}

// Validate checks raw against the persisted state. Rejections are reported
// in the Result; only infrastructure failures return an error.
func (p *Protocol) Validate(ctx context.Context, raw string) (Result, error) {
	var res Result
	err := p.store.Read(ctx, func(tx store.Tx) error {
		var err error
		res, err = p.validate(ctx, tx, raw)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	label := "valid"
	if !res.Valid {
		label = string(res.Reason)
	}
	metrics.TokenValidationsTotal.WithLabelValues(p.shape.Kind(), label).Inc()
	if !res.Valid {
		p.logger.Info("token rejected", "reason", res.Reason, "context_id", res.Claims.ContextID)
	}
	return res, nil
}

func (p *Protocol) validate(ctx context.Context, tx store.Tx, raw string) (Result, error) {
	reject := func(c Claims, reason Reason) (Result, error) {
		return Result{Reason: reason, Claims: c}, nil
	}

	fields, sig, err := decode(raw)
	if err != nil {
		return reject(Claims{}, ReasonMalformed)
	}
	claims, err := p.shape.Parse(fields)
	if err != nil {
		return reject(Claims{}, ReasonMalformed)
	}

	secret, err := p.secret(ctx, tx, claims.ContextID)
	if errors.Is(err, apperr.ErrNotFound) {
		return reject(claims, ReasonContextNotFound)
	}
	if err != nil {
		return Result{}, err
	}

	expected, err := Sign(fields, secret)
	if err != nil {
		return reject(claims, ReasonMalformed)
	}
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return reject(claims, ReasonBadSignature)
	}

	if !p.now().Before(claims.ExpiresAt) {
		return reject(claims, ReasonExpired)
	}

	tok, err := p.shape.Lookup(ctx, tx, claims)
	if errors.Is(err, apperr.ErrNotFound) {
		return reject(claims, ReasonTokenNotFound)
	}
	if err != nil {
		return Result{}, err
	}
	claims.Sequence = tok.Sequence

	ok, err := p.shape.Redeemable(ctx, tx, claims)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return reject(claims, ReasonAlreadyProcessed)
	}
	return Result{Valid: true, Claims: claims, Token: tok}, nil
}

func (p *Protocol) secret(ctx context.Context, tx store.Tx, contextID uuid.UUID) ([]byte, error) {
	if secret, ok := p.secrets.Get(contextID); ok {
		return secret, nil
	}
	secret, err := p.shape.Secret(ctx, tx, contextID)
	if err != nil {
		return nil, err
	}
	p.secrets.Add(contextID, secret)
	return secret, nil
}

// decode splits raw into its signed fields and the signature.
func decode(raw string) (map[string]any, string, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, "", err
	}
	if dec.More() {
		return nil, "", errors.New("trailing data after payload")
	}
	if fields == nil {
		return nil, "", errors.New("payload is not an object")
	}
	sig, ok := fields[signatureField].(string)
	if !ok || sig == "" {
		return nil, "", errors.New("missing signature")
	}
	delete(fields, signatureField)
	return fields, sig, nil
}

func uuidField(fields map[string]any, key string) (uuid.UUID, error) {
	s, ok := fields[key].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("field %s missing or not a string", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("field %s: %w", key, err)
	}
	return id, nil
}

func intField(fields map[string]any, key string) (int64, error) {
	n, ok := fields[key].(json.Number)
	if !ok {
		return 0, fmt.Errorf("field %s missing or not a number", key)
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", key, err)
	}
	return v, nil
}
