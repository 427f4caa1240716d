package provider

import (
	"context"
	"errors"
	"net"
	"strings"

	"opsbridge/internal/domain"
)

// connectivitySentinels lists errors that indicate the backend could not be
// reached at all, as opposed to the backend rejecting the call.
var connectivitySentinels = []error{
	domain.ErrProviderUnreachable,
	context.DeadlineExceeded,
}

// connectivityPatterns are substrings in error messages that indicate
// transport-level failures. Checked case-insensitively.
var connectivityPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"tls handshake",
	"eof",
}

// classifyFailure buckets an invocation error. Connectivity failures make
// the registry drop the provider's cached health so the next check re-probes;
// everything else is a logic failure surfaced to the decision function as-is.
func classifyFailure(err error) domain.ErrorKind {
	if err == nil {
		return domain.KindLogic
	}

	for _, sentinel := range connectivitySentinels {
		if errors.Is(err, sentinel) {
			return domain.KindConnectivity
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.KindConnectivity
	}

	lower := strings.ToLower(err.Error())
	for _, p := range connectivityPatterns {
		if strings.Contains(lower, p) {
			return domain.KindConnectivity
		}
	}

	return domain.KindLogic
}
