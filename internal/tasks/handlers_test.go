package tasks_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/calbridge/internal/database/models"
	"github.com/hugh/calbridge/internal/tasks"
	"github.com/hugh/calbridge/internal/testutil"
	"github.com/hugh/calbridge/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type handlerFixture struct {
	db      *gorm.DB
	vault   *testutil.FakeVault
	handler *tasks.Handler
	user    *models.User
	account *models.Account
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	org := testutil.CreateTestOrg(t, db, "x.dev")
	user := testutil.CreateTestUser(t, db, org.ID, "jane@x.dev")
	account := testutil.CreateTestAccount(t, db, user.ID, models.ProviderGoogle, "S1", user.Email)

	fv := testutil.NewFakeVault()
	require.NoError(t, fv.Initialize(context.Background(), account.ID, vault.TokenSet{
		AccessToken:  "at",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}, []string{"calendar.readonly"}))

	return &handlerFixture{
		db:      db,
		vault:   fv,
		handler: tasks.NewHandler(db, fv, testutil.NewTestLogger()),
		user:    user,
		account: account,
	}
}

func (f *handlerFixture) run(t *testing.T, accountID, userID uuid.UUID) error {
	t.Helper()
	task, err := tasks.NewOnboardAccountTask(tasks.OnboardAccountPayload{
		AccountID: accountID,
		UserID:    userID,
	})
	require.NoError(t, err)
	return f.handler.HandleOnboardAccount(context.Background(), task)
}

func TestHandleOnboardAccount_StampsUser(t *testing.T) {
	f := newHandlerFixture(t)

	require.NoError(t, f.run(t, f.account.ID, f.user.ID))

	var user models.User
	require.NoError(t, f.db.First(&user, "id = ?", f.user.ID).Error)
	require.NotNil(t, user.OnboardedAt)
	assert.WithinDuration(t, time.Now(), *user.OnboardedAt, 5*time.Second)
}

func TestHandleOnboardAccount_SecondRunKeepsFirstStamp(t *testing.T) {
	f := newHandlerFixture(t)

	earlier := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, f.db.Model(f.user).Update("onboarded_at", earlier).Error)

	require.NoError(t, f.run(t, f.account.ID, f.user.ID))

	var user models.User
	require.NoError(t, f.db.First(&user, "id = ?", f.user.ID).Error)
	require.NotNil(t, user.OnboardedAt)
	assert.WithinDuration(t, earlier, *user.OnboardedAt, time.Second)
}

func TestHandleOnboardAccount_UnknownAccountIsDropped(t *testing.T) {
	f := newHandlerFixture(t)
	assert.NoError(t, f.run(t, uuid.New(), f.user.ID))
}

func TestHandleOnboardAccount_RevokedAccountIsSkipped(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.db.Model(f.account).Update("status", models.AccountRevoked).Error)

	require.NoError(t, f.run(t, f.account.ID, f.user.ID))

	var user models.User
	require.NoError(t, f.db.First(&user, "id = ?", f.user.ID).Error)
	assert.Nil(t, user.OnboardedAt)
}

func TestHandleOnboardAccount_MissingTokensRetries(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.vault.DeleteCredentials(context.Background(), f.account.ID))

	err := f.run(t, f.account.ID, f.user.ID)
	assert.Error(t, err)
}

func TestHandleOnboardAccount_VaultOutageRetries(t *testing.T) {
	f := newHandlerFixture(t)
	f.vault.GetTokenErr = errors.New("vault unreachable")

	err := f.run(t, f.account.ID, f.user.ID)
	assert.Error(t, err)
}
