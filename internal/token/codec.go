// Package token implements the signed merge-claim codec and the CSRF token
// helpers built on the same key ring.
//
// A merge claim binds an anonymous identity to a pending merge. It is issued
// when the anonymous session starts and carried back in a cookie when the
// (now authenticated) visitor asks for its data to be folded in. The wire
// format is compact and versioned:
//
//	v<keyVersion>.<subjectID>.<issuedAtUnix>.<base64url(HMAC-SHA256)>
//
// Verification is a pure function of the token bytes, the key ring, and the
// clock: no state is read or written. The ring keeps the active signing key
// plus recently retired keys so in-flight claims survive key rollover.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status is the discriminated outcome of verifying a merge claim.
type Status int

const (
	// Valid means the signature matched an accepted key and the claim is
	// within its max age.
	Valid Status = iota
	// Expired means the signature matched but issuedAt + maxAge < now.
	Expired
	// BadSignature means no accepted key reproduces the signature. Claims
	// signed with an evicted key land here.
	BadSignature
	// Malformed means the token does not parse as a claim at all.
	Malformed
)

// String returns the status name for logs.
func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Expired:
		return "expired"
	case BadSignature:
		return "bad_signature"
	default:
		return "malformed"
	}
}

// Claim is the decoded content of a merge token. Immutable once issued.
type Claim struct {
	// SubjectID names the anonymous identity whose data is to be merged.
	SubjectID string
	// IssuedAt is the claim creation time (second precision on the wire).
	IssuedAt time.Time
	// KeyVersion identifies the key that produced the signature.
	KeyVersion int
}

// Result carries the verification outcome. Claim is non-nil only for Valid.
type Result struct {
	Status Status
	Claim  *Claim
}

// Keyring holds the HMAC keys for claim signing and verification: one
// active key plus zero or more retired keys kept for the rotation window.
type Keyring struct {
	keys    map[int][]byte
	active  int
	retired []int // non-active versions, most recent first
	maxAge  time.Duration
}

// NewKeyring builds a ring from version→key material. The active version
// must be present; all other versions are treated as retired and tried in
// descending version order (recency) during verification.
func NewKeyring(keys map[int][]byte, active int, maxAge time.Duration) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("token: signing keys are required")
	}
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("token: active key version %d is not configured", active)
	}
	if maxAge <= 0 {
		return nil, errors.New("token: max age must be positive")
	}
	kr := &Keyring{
		keys:   make(map[int][]byte, len(keys)),
		active: active,
		maxAge: maxAge,
	}
	for v, k := range keys {
		kr.keys[v] = k
		if v != active {
			kr.retired = append(kr.retired, v)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(kr.retired)))
	return kr, nil
}

// ActiveVersion returns the version used for newly issued claims.
func (k *Keyring) ActiveVersion() int { return k.active }

// MaxAge returns the configured claim lifetime.
func (k *Keyring) MaxAge() time.Duration { return k.maxAge }

// Issue signs a claim for subjectID at now using the active key.
func (k *Keyring) Issue(subjectID string, now time.Time) (string, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" || strings.Contains(subjectID, ".") {
		return "", errors.New("token: subject id must be non-empty and dot-free")
	}
	payload := fmt.Sprintf("v%d.%s.%d", k.active, subjectID, now.Unix())
	sig := sign(k.keys[k.active], payload)
	return payload + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks a token against the ring at time now.
//
// The active key is tried first, then each retired key in recency order;
// the first match wins. A token whose declared key version is unknown can
// still verify if any retained key reproduces the signature, which keeps
// verification independent of attacker-controlled header data.
func (k *Keyring) Verify(tok string, now time.Time) Result {
	parts := strings.Split(tok, ".")
	if len(parts) != 4 {
		return Result{Status: Malformed}
	}
	verStr, subjectID, issuedStr, sigStr := parts[0], parts[1], parts[2], parts[3]
	if !strings.HasPrefix(verStr, "v") || subjectID == "" {
		return Result{Status: Malformed}
	}
	if _, err := strconv.Atoi(verStr[1:]); err != nil {
		return Result{Status: Malformed}
	}
	issuedUnix, err := strconv.ParseInt(issuedStr, 10, 64)
	if err != nil {
		return Result{Status: Malformed}
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(sigStr)
	if err != nil {
		return Result{Status: Malformed}
	}

	payload := strings.Join(parts[:3], ".")
	matched := 0
	matchedOK := false
	for _, ver := range append([]int{k.active}, k.retired...) {
		if hmac.Equal(sign(k.keys[ver], payload), gotSig) {
			matched, matchedOK = ver, true
			break
		}
	}
	if !matchedOK {
		return Result{Status: BadSignature}
	}

	issuedAt := time.Unix(issuedUnix, 0)
	if issuedAt.Add(k.maxAge).Before(now) {
		return Result{Status: Expired}
	}
	return Result{
		Status: Valid,
		Claim: &Claim{
			SubjectID:  subjectID,
			IssuedAt:   issuedAt,
			KeyVersion: matched,
		},
	}
}

// --- CSRF double-submit tokens ---
//
// The CSRF token is a signed nonce bound to the issuing identity:
// "<identityID>.<nonce>.<hex(HMAC)>". The browser holds it in a cookie and
// echoes it in a header; the guard checks both copies match and that the
// MAC verifies against a retained key. Cross-site attackers can neither
// read the cookie nor forge the MAC.

// NewCSRFToken mints a CSRF token bound to identityID.
func (k *Keyring) NewCSRFToken(identityID string) (string, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" || strings.Contains(identityID, ".") {
		return "", errors.New("token: identity id must be non-empty and dot-free")
	}
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(buf[:])
	mac := sign(k.keys[k.active], "csrf\x00"+identityID+"\x00"+nonce)
	return identityID + "." + nonce + "." + hex.EncodeToString(mac), nil
}

// VerifyCSRFToken reports whether tok is a well-formed CSRF token signed by
// a retained key. The bound identity id is returned for callers that want
// to cross-check it against the session.
func (k *Keyring) VerifyCSRFToken(tok string) (string, bool) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return "", false
	}
	identityID, nonce, macHex := parts[0], parts[1], parts[2]
	if identityID == "" || nonce == "" {
		return "", false
	}
	gotMAC, err := hex.DecodeString(macHex)
	if err != nil {
		return "", false
	}
	msg := "csrf\x00" + identityID + "\x00" + nonce
	for _, ver := range append([]int{k.active}, k.retired...) {
		if hmac.Equal(sign(k.keys[ver], msg), gotMAC) {
			return identityID, true
		}
	}
	return "", false
}

func sign(key []byte, payload string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
