package tasks

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task type names
const (
	TypeOnboardAccount = "onboarding:account"
)

// OnboardAccountPayload identifies the newly linked account to bootstrap.
type OnboardAccountPayload struct {
	AccountID uuid.UUID `json:"account_id"`
	UserID    uuid.UUID `json:"user_id"`
}

// OnboardTaskID keys the task so a given account is onboarded at most
// once even across retried links.
func OnboardTaskID(accountID uuid.UUID) string {
	return "onboard-" + accountID.String()
}

func NewOnboardAccountTask(payload OnboardAccountPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeOnboardAccount, data), nil
}
