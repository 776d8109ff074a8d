// Package signature authenticates signed skill-invocation envelopes against
// a claimed on-chain address using secp256k1 signature recovery.
package signature

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrAddressMismatch is returned when the recovered address does not match
// the address the envelope claims to be signed by.
var ErrAddressMismatch = errors.New("recovered address does not match claimed sender")

// ErrTimestampOutOfWindow is returned when the envelope's timestamp falls
// outside the acceptable clock-skew window.
var ErrTimestampOutOfWindow = errors.New("timestamp outside acceptable window")

// SkillOnlyData is the free-form, skill-specific payload. It is a distinct
// type from RawEnvelope so identity/auth fields can never leak into the
// signed payload by accident of struct embedding.
type SkillOnlyData map[string]interface{}

// RawEnvelope is the wire shape of a signed skill invocation.
type RawEnvelope struct {
	MessageID     string        `json:"message_id"`
	Timestamp     time.Time     `json:"timestamp"`
	SkillID       string        `json:"skill_id"`
	SkillOnlyData SkillOnlyData `json:"skill_only_data"`
	SenderAddress string        `json:"sender_address"`
	Signature     string        `json:"signature"`
}

// VerifierOption configures optional Verifier behaviour.
type VerifierOption func(*Verifier)

// Verifier checks envelope signatures and timestamp freshness.
type Verifier struct {
	now          func() time.Time
	maxSkewFwd   time.Duration
	maxAgeBack   time.Duration
}

// WithClock overrides the verifier's clock, for deterministic tests.
func WithClock(clock func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if clock != nil {
			v.now = clock
		}
	}
}

// New constructs a Verifier. maxAgeBack bounds how far in the past a
// timestamp may be (default guidance: 5 minutes); maxSkewFwd bounds how far
// in the future it may be (default guidance: 60 seconds) to tolerate clients
// with a fast clock.
func New(maxAgeBack, maxSkewFwd time.Duration, opts ...VerifierOption) (*Verifier, error) {
	if maxAgeBack <= 0 || maxSkewFwd <= 0 {
		return nil, errors.New("maxAgeBack and maxSkewFwd must be positive")
	}
	v := &Verifier{now: time.Now, maxSkewFwd: maxSkewFwd, maxAgeBack: maxAgeBack}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify recovers the signer address from env.Signature over the canonical
// encoding of the envelope's identity-bearing fields, checks it matches
// env.SenderAddress (case-insensitively), and checks env.Timestamp falls
// within the configured window.
func (v *Verifier) Verify(env RawEnvelope) error {
	if v == nil {
		return errors.New("verifier is nil")
	}
	if err := v.checkTimestamp(env.Timestamp); err != nil {
		return err
	}
	if strings.TrimSpace(env.SenderAddress) == "" {
		return errors.New("sender_address must not be empty")
	}
	sigBytes, err := decodeSignature(env.Signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	digest, err := Digest(env)
	if err != nil {
		return err
	}
	pubKey, err := crypto.SigToPub(digest, sigBytes)
	if err != nil {
		return fmt.Errorf("signature recovery failed: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey).Hex()
	if !strings.EqualFold(recovered, env.SenderAddress) {
		return fmt.Errorf("%w: recovered %s, claimed %s", ErrAddressMismatch, recovered, env.SenderAddress)
	}
	return nil
}

func (v *Verifier) checkTimestamp(ts time.Time) error {
	if ts.IsZero() {
		return fmt.Errorf("%w: timestamp is unset", ErrTimestampOutOfWindow)
	}
	now := v.now()
	earliest := now.Add(-v.maxAgeBack)
	latest := now.Add(v.maxSkewFwd)
	if ts.Before(earliest) || ts.After(latest) {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrTimestampOutOfWindow, ts, earliest, latest)
	}
	return nil
}

func decodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimSpace(sig)
	sig = strings.TrimPrefix(sig, "0x")
	raw, err := hex.DecodeString(sig)
	if err != nil {
		return nil, err
	}
	if len(raw) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(raw))
	}
	//1.- Ethereum wallets commonly emit a recovery id of 27/28; go-ethereum expects 0/1.
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	return raw, nil
}

// Digest returns the Keccak256 hash of the envelope's canonical encoding.
// This is the payload ultimately passed to the wallet for signing and the
// one recomputed here to recover the signer.
func Digest(env RawEnvelope) ([]byte, error) {
	canonical, err := canonicalize(env)
	if err != nil {
		return nil, fmt.Errorf("canonicalize envelope: %w", err)
	}
	return crypto.Keccak256(canonical), nil
}

// canonicalize serializes the identity-bearing fields in a fixed, explicit
// key order so a signature computed off the same fields on the client
// always recomputes to the same digest, independent of any map/struct field
// ordering a JSON encoder might otherwise choose.
func canonicalize(env RawEnvelope) ([]byte, error) {
	payload, err := json.Marshal(env.SkillOnlyData)
	if err != nil {
		return nil, err
	}
	ordered := struct {
		MessageID     string          `json:"message_id"`
		Timestamp     int64           `json:"timestamp"`
		SkillID       string          `json:"skill_id"`
		SkillOnlyData json.RawMessage `json:"skill_only_data"`
	}{
		MessageID:     env.MessageID,
		Timestamp:     env.Timestamp.UTC().Unix(),
		SkillID:       env.SkillID,
		SkillOnlyData: payload,
	}
	return json.Marshal(ordered)
}
