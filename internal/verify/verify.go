// internal/verify/verify.go
package verify

import (
	"context"

	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/perception"
)

// Verifier checks whether the expected visual change happened after an action.
type Verifier struct {
	gateway perception.Gateway
	logger  *zap.Logger
}

// New creates a Verifier.
func New(gateway perception.Gateway, logger *zap.Logger) *Verifier {
	return &Verifier{gateway: gateway, logger: logger.Named("verify")}
}

// Verify compares the post-action screenshot against the verification cue.
// A perception failure is reported as an unverified result carrying the error text.
func (v *Verifier) Verify(ctx context.Context, screenshot []byte, verificationCue string) perception.Verification {
	result, err := v.gateway.Verify(ctx, screenshot, verificationCue)
	if err != nil {
		v.logger.Warn("Verification call failed", zap.String("cue", verificationCue), zap.Error(err))
		return perception.Verification{Verified: false, Confidence: 0, Observation: err.Error()}
	}
	v.logger.Debug("Verification result",
		zap.Bool("verified", result.Verified),
		zap.Float64("confidence", result.Confidence),
	)
	return result
}
