package user

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	local := store.NewLocalWithDB(db, log, clk)
	require.NoError(t, local.Open(context.Background()))

	st := store.New(store.Params{Mode: store.ModeLocal, Local: local}, log, clk)
	require.NoError(t, st.Init(context.Background()))
	return New(Params{Store: st, Log: log})
}

func TestAuthenticateRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateRequest{
		Username: "Maria",
		FullName: "Maria Lopez",
		Password: "till-4391",
	})
	require.NoError(t, err)

	// Usernames are case-folded at creation and login.
	u, err := svc.Authenticate(ctx, "maria", "till-4391")
	require.NoError(t, err)
	assert.True(t, u.ID.Equal(id))
	assert.Equal(t, "Maria Lopez", u.FullName)

	_, err = svc.Authenticate(ctx, "maria", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{Username: "maria", Password: "a"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateRequest{Username: " MARIA ", Password: "b"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestDeactivatedAccountCannotLogIn(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateRequest{Username: "maria", Password: "till-4391"})
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(ctx, id))

	_, err = svc.Authenticate(ctx, "maria", "till-4391")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestSetPasswordInvalidatesOldOne(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateRequest{Username: "maria", Password: "old"})
	require.NoError(t, err)
	require.NoError(t, svc.SetPassword(ctx, id, "new"))

	_, err = svc.Authenticate(ctx, "maria", "old")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = svc.Authenticate(ctx, "maria", "new")
	assert.NoError(t, err)
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	assert.False(t, verifyPassword("x", ""))
	assert.False(t, verifyPassword("x", "$argon2id$v=19$garbage"))
	assert.False(t, verifyPassword("x", "plaintext"))
}
