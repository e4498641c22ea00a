package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"retro-ingest-go/internal/broadcast"
	"retro-ingest-go/internal/chunkstore"
	"retro-ingest-go/internal/model"
	"retro-ingest-go/internal/sessionlock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sweeperFixture struct {
	*serviceFixture
	sweeper *Sweeper
}

func newSweeperFixture(t *testing.T) *sweeperFixture {
	t.Helper()
	store, err := chunkstore.NewStore(t.TempDir())
	require.NoError(t, err)
	sessionRepo := newFakeSessionRepo()
	catalogRepo := newFakeCatalogRepo()
	dispatcher := &countingDispatcher{}
	locks := sessionlock.NewRegistry()
	broadcaster := broadcast.NewBroadcaster()
	svc := NewSessionService(sessionRepo, catalogRepo, store, broadcaster, dispatcher, locks, testUploadConfig())
	sweeper := NewSweeper(sessionRepo, catalogRepo, store, broadcaster, locks, time.Minute)
	return &sweeperFixture{
		serviceFixture: &serviceFixture{
			svc:         svc,
			sessionRepo: sessionRepo,
			catalogRepo: catalogRepo,
			dispatcher:  dispatcher,
			chunks:      store,
		},
		sweeper: sweeper,
	}
}

func (fx *sweeperFixture) expire(t *testing.T, sessionID string) {
	t.Helper()
	stored, err := fx.sessionRepo.GetSession(sessionID)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, fx.sessionRepo.UpdateSession(stored))
}

func TestSweepExpiredSession(t *testing.T) {
	fx := newSweeperFixture(t)
	ctx := context.Background()
	session, err := fx.svc.Initiate(ctx, InitiateRequest{FileName: "mario.nes", FileSize: 150, DeclaredHash: "dd44"})
	require.NoError(t, err)
	_, err = fx.svc.AdmitChunk(ctx, session.ID, 0, 64, bytes.NewReader(bytes.Repeat([]byte{1}, 64)))
	require.NoError(t, err)
	fx.expire(t, session.ID)

	swept, err := fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := fx.sessionRepo.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.False(t, fx.chunks.SessionDirExists(session.ID))

	// 位图与哈希预留已回收
	indexes, err := fx.sessionRepo.GetUploadedChunks(ctx, session.ID, got.TotalChunks)
	require.NoError(t, err)
	assert.Empty(t, indexes)
	_, err = fx.svc.Initiate(ctx, InitiateRequest{FileName: "mario.nes", FileSize: 150, DeclaredHash: "dd44"})
	assert.NoError(t, err)
}

func TestSweepSkipsLiveSessions(t *testing.T) {
	fx := newSweeperFixture(t)
	ctx := context.Background()
	_, err := fx.svc.Initiate(ctx, InitiateRequest{FileName: "mario.nes", FileSize: 150})
	require.NoError(t, err)

	swept, err := fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestSweepExemptsProcessing(t *testing.T) {
	fx := newSweeperFixture(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte{0x42}, 150)
	session, err := fx.svc.Initiate(ctx, InitiateRequest{FileName: "mario.nes", FileSize: 150})
	require.NoError(t, err)
	uploadAll(t, fx.serviceFixture, session, payload, []int{0, 1, 2}) // 进入 PROCESSING
	fx.expire(t, session.ID)

	swept, err := fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	got, err := fx.sessionRepo.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
	// 装配还需要暂存分片
	assert.True(t, fx.chunks.SessionDirExists(session.ID))
}

func TestSweepRaceWithStatusChange(t *testing.T) {
	fx := newSweeperFixture(t)
	ctx := context.Background()
	session, err := fx.svc.Initiate(ctx, InitiateRequest{FileName: "mario.nes", FileSize: 150})
	require.NoError(t, err)
	fx.expire(t, session.ID)

	// 列表已把会话选进候选，但回收前会话被取消：锁内重读后不再碰它
	require.NoError(t, fx.svc.Cancel(ctx, session.ID))
	swept, err := fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	got, err := fx.sessionRepo.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}
