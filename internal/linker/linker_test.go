package linker_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/calbridge/internal/database/models"
	"github.com/hugh/calbridge/internal/linker"
	"github.com/hugh/calbridge/internal/tasks"
	"github.com/hugh/calbridge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

type linkerFixture struct {
	db    *gorm.DB
	vault *testutil.FakeVault
	queue *testutil.FakeEnqueuer
	svc   *linker.Service
}

func newLinkerFixture(t *testing.T) *linkerFixture {
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	fv := testutil.NewFakeVault()
	fq := testutil.NewFakeEnqueuer()

	return &linkerFixture{
		db:    db,
		vault: fv,
		queue: fq,
		svc:   linker.NewService(db, fv, fq, testutil.NewTestLogger()),
	}
}

func testToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		Expiry:       time.Now().Add(time.Hour),
	}
}

func linkInput(userID uuid.UUID) linker.LinkInput {
	return linker.LinkInput{
		Provider: models.ProviderGoogle,
		Subject:  "sub-1",
		Email:    "jane@x.dev",
		UserID:   userID,
		Token:    testToken(),
		Scopes:   []string{"calendar.readonly"},
	}
}

func TestLink_NewAccount(t *testing.T) {
	f := newLinkerFixture(t)
	org := testutil.CreateTestOrg(t, f.db, "X Dev")
	user := testutil.CreateTestUser(t, f.db, org.ID, "jane@x.dev")

	res, err := f.svc.Link(context.Background(), linkInput(user.ID))
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.False(t, res.IsReactivated)
	assert.NotEqual(t, uuid.Nil, res.AccountID)

	// Tokens landed in the vault with an RFC 3339 expiry.
	tokens, ok := f.vault.Tokens(res.AccountID)
	require.True(t, ok)
	assert.Equal(t, "access-token", tokens.AccessToken)
	assert.Equal(t, "refresh-token", tokens.RefreshToken)
	_, err = time.Parse(time.RFC3339, tokens.Expiry)
	assert.NoError(t, err)
	assert.Equal(t, []string{"calendar.readonly"}, f.vault.Scopes(res.AccountID))

	// One onboarding task, keyed by the account id.
	assert.Equal(t, 1, f.queue.Count(tasks.TypeOnboardAccount))
	assert.Equal(t, []string{tasks.OnboardTaskID(res.AccountID)}, f.queue.TaskIDs)
}

func TestLink_Idempotent(t *testing.T) {
	f := newLinkerFixture(t)
	org := testutil.CreateTestOrg(t, f.db, "X Dev")
	user := testutil.CreateTestUser(t, f.db, org.ID, "jane@x.dev")

	first, err := f.svc.Link(context.Background(), linkInput(user.ID))
	require.NoError(t, err)
	second, err := f.svc.Link(context.Background(), linkInput(user.ID))
	require.NoError(t, err)

	assert.Equal(t, first.AccountID, second.AccountID)
	assert.True(t, first.IsNew)
	assert.False(t, second.IsNew)

	// Vault push repeats (idempotent initialize); onboarding does not.
	assert.Len(t, f.vault.InitializeCalls, 2)
	assert.Equal(t, 1, f.queue.Count(tasks.TypeOnboardAccount))

	var count int64
	f.db.Model(&models.Account{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestLink_Conflict(t *testing.T) {
	f := newLinkerFixture(t)
	org := testutil.CreateTestOrg(t, f.db, "X Dev")
	userA := testutil.CreateTestUser(t, f.db, org.ID, "a@x.dev")
	userB := testutil.CreateTestUser(t, f.db, org.ID, "b@x.dev")

	_, err := f.svc.Link(context.Background(), linkInput(userA.ID))
	require.NoError(t, err)

	_, err = f.svc.Link(context.Background(), linkInput(userB.ID))
	assert.ErrorIs(t, err, linker.ErrAccountConflict)

	// Zero writes on the conflict path.
	assert.Len(t, f.vault.InitializeCalls, 1)
	assert.Equal(t, 1, f.queue.Count(tasks.TypeOnboardAccount))

	var account models.Account
	require.NoError(t, f.db.Where("provider_subject = ?", "sub-1").First(&account).Error)
	assert.Equal(t, userA.ID, account.UserID)
}

func TestLink_Reactivation(t *testing.T) {
	f := newLinkerFixture(t)
	org := testutil.CreateTestOrg(t, f.db, "X Dev")
	user := testutil.CreateTestUser(t, f.db, org.ID, "jane@x.dev")

	first, err := f.svc.Link(context.Background(), linkInput(user.ID))
	require.NoError(t, err)

	// Simulate an uninstall.
	require.NoError(t, f.db.Model(&models.Account{}).
		Where("id = ?", first.AccountID).
		Update("status", models.AccountRevoked).Error)

	in := linkInput(user.ID)
	in.Email = "jane.new@x.dev"
	second, err := f.svc.Link(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.AccountID, second.AccountID)
	assert.False(t, second.IsNew)
	assert.True(t, second.IsReactivated)

	var account models.Account
	require.NoError(t, f.db.First(&account, first.AccountID).Error)
	assert.Equal(t, models.AccountActive, account.Status)
	assert.Equal(t, "jane.new@x.dev", account.Email)

	// Reactivation never re-onboards.
	assert.Equal(t, 1, f.queue.Count(tasks.TypeOnboardAccount))
}

func TestLink_VaultFailurePropagates(t *testing.T) {
	f := newLinkerFixture(t)
	org := testutil.CreateTestOrg(t, f.db, "X Dev")
	user := testutil.CreateTestUser(t, f.db, org.ID, "jane@x.dev")

	f.vault.InitializeErr = assert.AnError
	_, err := f.svc.Link(context.Background(), linkInput(user.ID))
	assert.ErrorIs(t, err, linker.ErrVault)
}

func TestLink_EnqueueFailureIsNotFatal(t *testing.T) {
	f := newLinkerFixture(t)
	org := testutil.CreateTestOrg(t, f.db, "X Dev")
	user := testutil.CreateTestUser(t, f.db, org.ID, "jane@x.dev")

	f.queue.EnqueueErr = assert.AnError
	res, err := f.svc.Link(context.Background(), linkInput(user.ID))
	require.NoError(t, err)
	assert.True(t, res.IsNew)
}
