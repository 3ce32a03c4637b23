package settlement

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marketforge/payments-service/services/settlement/model"
)

const (
	// defaultReplayWindow bounds how stale a signed notification may be.
	defaultReplayWindow = 300 * time.Second

	sigPrefixTimestamp = "t="
	sigPrefixV1        = "v1="
)

const (
	errSigMissingHeader   model.Error = "settlement: missing signature header"
	errSigMalformedHeader model.Error = "settlement: malformed signature header"
	errSigTimestampStale  model.Error = "settlement: signature timestamp outside replay window"
	errSigNoMatch         model.Error = "settlement: no matching v1 signature"
	errSigNoSecret        model.Error = "settlement: no signing secret configured"
)

// signatureVerifier checks processor notification signatures of the form
// t=<unix>,v1=<hex>[,v1=<hex>...] over "<t>.<body>" with HMAC-SHA256.
type signatureVerifier struct {
	secret       string
	replayWindow time.Duration

	// insecureBypass skips verification entirely. It is only honored when no
	// secret is configured and the service runs outside production.
	insecureBypass bool

	now func() time.Time
}

func newSignatureVerifier(secret string, replayWindow time.Duration, insecureBypass bool) *signatureVerifier {
	if replayWindow <= 0 {
		replayWindow = defaultReplayWindow
	}

	return &signatureVerifier{
		secret:         secret,
		replayWindow:   replayWindow,
		insecureBypass: insecureBypass && secret == "",
		now:            time.Now,
	}
}

// verify checks header against body. A nil return means the payload is
// authentic (or bypass is active); any error must result in a 4xx upstream,
// never a 200.
func (v *signatureVerifier) verify(body []byte, header string) error {
	if v.insecureBypass {
		return nil
	}

	if v.secret == "" {
		return errSigNoSecret
	}

	if header == "" {
		return errSigMissingHeader
	}

	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if diff := v.now().Sub(time.Unix(ts, 0)); diff > v.replayWindow || diff < -v.replayWindow {
		return errSigTimestampStale
	}

	expected := computeSignature(v.secret, ts, body)

	// Every candidate is checked in constant time, a match anywhere passes.
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}

	return errSigNoMatch
}

func parseSignatureHeader(header string) (int64, [][]byte, error) {
	var (
		ts   int64
		tsOK bool
		sigs [][]byte
	)

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)

		switch {
		case strings.HasPrefix(part, sigPrefixTimestamp):
			val, err := strconv.ParseInt(part[len(sigPrefixTimestamp):], 10, 64)
			if err != nil {
				return 0, nil, errSigMalformedHeader
			}

			ts, tsOK = val, true

		case strings.HasPrefix(part, sigPrefixV1):
			sig, err := hex.DecodeString(part[len(sigPrefixV1):])
			if err != nil {
				return 0, nil, errSigMalformedHeader
			}

			sigs = append(sigs, sig)
		}
	}

	if !tsOK || len(sigs) == 0 {
		return 0, nil, errSigMalformedHeader
	}

	return ts, sigs, nil
}

func computeSignature(secret string, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d.", ts)
	_, _ = mac.Write(body)

	return mac.Sum(nil)
}
