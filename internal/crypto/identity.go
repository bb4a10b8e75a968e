package crypto

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// Request signature headers. The signature is EIP-191 over
// timestamp + method + path + body.
const (
	HeaderAddress   = "X-Auction-Address"
	HeaderTimestamp = "X-Auction-Timestamp"
	HeaderSignature = "X-Auction-Signature"
)

// DefaultMaxSkew bounds how far a request timestamp may drift from the
// server clock.
const DefaultMaxSkew = 30 * time.Second

// RequestMessage is the byte string a caller signs.
func RequestMessage(timestamp, method, path string, body []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+len(method)+len(path)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, method...)
	msg = append(msg, path...)
	return append(msg, body...)
}

// RequestHeadersAt signs a request as s at the given time.
func (s *Signer) RequestHeadersAt(method, path string, body []byte, at time.Time) (map[string]string, error) {
	ts := strconv.FormatInt(at.Unix(), 10)
	sig, err := s.SignPersonal(RequestMessage(ts, method, path, body))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderAddress:   s.address.Hex(),
		HeaderTimestamp: ts,
		HeaderSignature: sig,
	}, nil
}

// RequestVerifier authenticates signed API requests.
type RequestVerifier struct {
	maxSkew time.Duration
	clock   domain.Clock
}

func NewRequestVerifier(maxSkew time.Duration, clock domain.Clock) *RequestVerifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RequestVerifier{maxSkew: maxSkew, clock: clock}
}

// Verify returns the checksummed caller address if sig was produced by
// address over the request. Every failure wraps domain.ErrUnauthorized.
func (v *RequestVerifier) Verify(address, timestamp, sig, method, path string, body []byte) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("crypto: bad address %q: %w", address, domain.ErrUnauthorized)
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("crypto: bad timestamp %q: %w", timestamp, domain.ErrUnauthorized)
	}
	skew := v.clock.Now().Sub(time.Unix(unix, 0))
	if skew > v.maxSkew || skew < -v.maxSkew {
		return "", fmt.Errorf("crypto: timestamp skew %s exceeds %s: %w", skew, v.maxSkew, domain.ErrUnauthorized)
	}
	got, err := RecoverPersonal(RequestMessage(timestamp, method, path, body), sig)
	if err != nil {
		return "", err
	}
	want := common.HexToAddress(address)
	if got != want {
		return "", fmt.Errorf("crypto: signature from %s, claimed %s: %w", got.Hex(), want.Hex(), domain.ErrUnauthorized)
	}
	return want.Hex(), nil
}

// OwnerIdentity recognises one operator address.
type OwnerIdentity struct {
	owner common.Address
}

// NewOwnerIdentity validates a hex address.
func NewOwnerIdentity(address string) (*OwnerIdentity, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("crypto: owner %q is not a hex address: %w", address, domain.ErrInvalidConfig)
	}
	return &OwnerIdentity{owner: common.HexToAddress(address)}, nil
}

// Address is the checksummed owner address.
func (o *OwnerIdentity) Address() string { return o.owner.Hex() }

func (o *OwnerIdentity) IsOwner(_ context.Context, caller string) bool {
	return common.IsHexAddress(caller) && common.HexToAddress(caller) == o.owner
}

var _ domain.IdentitySource = (*OwnerIdentity)(nil)
