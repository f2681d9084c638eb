package dropin

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hanko-field/dropin/internal/domain"
)

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))

	wrapped := fmt.Errorf("launch: %w", classified{kind: domain.ErrorUpgradeRequired, code: "426"})
	got := Classify(wrapped)
	assert.Equal(t, domain.ErrorUpgradeRequired, got.Kind)
	assert.Equal(t, "426", got.Code)
	assert.ErrorIs(t, got, wrapped)

	existing := domain.NewFlowError(domain.ErrorAuthenticationFailure, "401", errors.New("bad key"))
	assert.Same(t, existing, Classify(fmt.Errorf("outer: %w", existing)))

	assert.Equal(t, domain.ErrorServiceUnavailable, Classify(context.DeadlineExceeded).Kind)
	assert.Equal(t, domain.ErrorUnclassified, Classify(errors.New("mystery")).Kind)
	assert.Equal(t, domain.ErrorConfigurationInvalid, classifyConfigurationError(errors.New("mystery")).Kind)
	assert.Equal(t, domain.ErrorServerFailure, classifyConfigurationError(classified{kind: domain.ErrorServerFailure}).Kind)
}

func TestExitSignalMapping(t *testing.T) {
	tests := map[domain.ErrorKind]string{
		domain.ErrorAuthenticationFailure: domain.SignalExitDeveloperError,
		domain.ErrorAuthorizationFailure:  domain.SignalExitDeveloperError,
		domain.ErrorUpgradeRequired:       domain.SignalExitDeveloperError,
		domain.ErrorConfigurationInvalid:  domain.SignalExitConfigurationErr,
		domain.ErrorServerFailure:         domain.SignalExitServerError,
		domain.ErrorServiceUnavailable:    domain.SignalExitServerUnavailable,
		domain.ErrorUnclassified:          domain.SignalExitSDKError,
	}
	for kind, signal := range tests {
		assert.Equal(t, signal, domain.ExitSignal(kind), string(kind))
	}
}

func TestStateRoundTripKeepsStepUpContext(t *testing.T) {
	state := loadedState(domain.DropInRequest{Amount: "1.00"}, domain.AuthorizationContext{Kind: domain.AuthorizationSessionToken})
	state.Phase = PhaseAwaitingStepUp
	state.StepUp = domain.StepUpContext{InProgress: true, TargetNonce: "n", RequestedAmount: "1.00"}
	candidate := cardDescriptor("n")
	state.Candidate = &candidate

	data, err := MarshalState(state)
	assert.NoError(t, err)
	restored, err := UnmarshalState(data)
	assert.NoError(t, err)
	assert.Equal(t, state.StepUp, restored.StepUp)
	assert.Equal(t, "n", restored.Candidate.Nonce)
	assert.Equal(t, PhaseAwaitingStepUp, restored.Phase)

	_, err = UnmarshalState([]byte(`{"phase":"selecting"}`))
	assert.Error(t, err)
}
