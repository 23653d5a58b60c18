package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/hugh/calbridge/internal/database/models"
	"github.com/hugh/calbridge/internal/vault"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB creates an in-memory SQLite database for testing
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	// A second pooled connection to :memory: would open a separate,
	// empty database; keep everything on one connection.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// Run migrations
	err = db.AutoMigrate(
		&models.Organization{},
		&models.User{},
		&models.Account{},
		&models.OrgInstallation{},
		&models.UninstallAudit{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

// CleanupTestDB closes the test database connection
func CleanupTestDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	if err != nil {
		t.Logf("warning: failed to get sql.DB: %v", err)
		return
	}
	sqlDB.Close()
}

// NewTestLogger returns a logger that discards output
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CreateTestOrg creates a test organization
func CreateTestOrg(t *testing.T, db *gorm.DB, name string) *models.Organization {
	t.Helper()

	org := &models.Organization{Name: name}
	if err := db.Create(org).Error; err != nil {
		t.Fatalf("failed to create test org: %v", err)
	}
	return org
}

// CreateTestUser creates a test user in the given organization
func CreateTestUser(t *testing.T, db *gorm.DB, orgID uuid.UUID, email string) *models.User {
	t.Helper()

	user := &models.User{
		Email:          email,
		DisplayName:    email,
		OrganizationID: orgID,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

// CreateTestAccount creates a linked account for a user
func CreateTestAccount(t *testing.T, db *gorm.DB, userID uuid.UUID, provider models.Provider, subject, email string) *models.Account {
	t.Helper()

	account := &models.Account{
		UserID:          userID,
		Provider:        provider,
		ProviderSubject: subject,
		Email:           email,
		Status:          models.AccountActive,
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("failed to create test account: %v", err)
	}
	return account
}

// CreateTestInstallation creates an org installation record
func CreateTestInstallation(t *testing.T, db *gorm.DB, customerID, adminEmail string) *models.OrgInstallation {
	t.Helper()

	inst := &models.OrgInstallation{
		GoogleCustomerID: customerID,
		AdminEmail:       adminEmail,
		Status:           models.InstallationActive,
	}
	if err := db.Create(inst).Error; err != nil {
		t.Fatalf("failed to create test installation: %v", err)
	}
	return inst
}

// FakeVault is an in-memory CredentialVault that records calls and can
// be primed with per-operation errors.
type FakeVault struct {
	mu sync.Mutex

	tokens map[uuid.UUID]vault.TokenSet
	scopes map[uuid.UUID][]string

	InitializeCalls []uuid.UUID
	DeleteCalls     []uuid.UUID
	StopSyncCalls   []uuid.UUID

	InitializeErr error
	GetTokenErr   error
	DeleteErr     error
	StopSyncErr   error
}

func NewFakeVault() *FakeVault {
	return &FakeVault{
		tokens: make(map[uuid.UUID]vault.TokenSet),
		scopes: make(map[uuid.UUID][]string),
	}
}

func (f *FakeVault) Initialize(ctx context.Context, accountID uuid.UUID, tokens vault.TokenSet, scopes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.InitializeCalls = append(f.InitializeCalls, accountID)
	if f.InitializeErr != nil {
		return f.InitializeErr
	}
	f.tokens[accountID] = tokens
	f.scopes[accountID] = scopes
	return nil
}

func (f *FakeVault) GetToken(ctx context.Context, accountID uuid.UUID) (*vault.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.GetTokenErr != nil {
		return nil, f.GetTokenErr
	}
	tokens, ok := f.tokens[accountID]
	if !ok {
		return nil, vault.ErrNotFound
	}
	return &tokens, nil
}

func (f *FakeVault) DeleteCredentials(ctx context.Context, accountID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.DeleteCalls = append(f.DeleteCalls, accountID)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.tokens, accountID)
	return nil
}

func (f *FakeVault) StopSync(ctx context.Context, accountID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.StopSyncCalls = append(f.StopSyncCalls, accountID)
	return f.StopSyncErr
}

// Tokens returns the stored token set, if any.
func (f *FakeVault) Tokens(accountID uuid.UUID) (vault.TokenSet, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens, ok := f.tokens[accountID]
	return tokens, ok
}

// Scopes returns the scopes pushed with the last Initialize.
func (f *FakeVault) Scopes(accountID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scopes[accountID]
}

var _ vault.CredentialVault = (*FakeVault)(nil)

// FakeEnqueuer records enqueued tasks and honors asynq.TaskID
// deduplication the way the real broker does.
type FakeEnqueuer struct {
	mu sync.Mutex

	Tasks      []*asynq.Task
	TaskIDs    []string
	EnqueueErr error
}

func NewFakeEnqueuer() *FakeEnqueuer {
	return &FakeEnqueuer{}
}

func (f *FakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.EnqueueErr != nil {
		return nil, f.EnqueueErr
	}

	var taskID string
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			taskID, _ = opt.Value().(string)
		}
	}

	if taskID != "" {
		for _, seen := range f.TaskIDs {
			if seen == taskID {
				return nil, asynq.ErrTaskIDConflict
			}
		}
		f.TaskIDs = append(f.TaskIDs, taskID)
	}

	f.Tasks = append(f.Tasks, task)
	return &asynq.TaskInfo{ID: taskID, Type: task.Type()}, nil
}

// Count returns how many tasks of the given type were enqueued.
func (f *FakeEnqueuer) Count(taskType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, task := range f.Tasks {
		if task.Type() == taskType {
			n++
		}
	}
	return n
}
