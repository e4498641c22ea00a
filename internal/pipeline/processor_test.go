package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"retro-ingest-go/internal/archive"
	"retro-ingest-go/internal/broadcast"
	"retro-ingest-go/internal/chunkstore"
	"retro-ingest-go/internal/config"
	"retro-ingest-go/internal/model"
	"retro-ingest-go/internal/sessionlock"
	"retro-ingest-go/pkg/hashing"
	"retro-ingest-go/pkg/tasks"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// 管道测试用的内存仓储，只覆盖 Processor 接触的方法。
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]model.UploadSession
	bitmap   map[string]map[int]bool
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{
		sessions: make(map[string]model.UploadSession),
		bitmap:   make(map[string]map[int]bool),
	}
}

func (m *memSessionRepo) CreateSession(s *model.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *memSessionRepo) GetSession(id string) (*model.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := s
	return &copied, nil
}

func (m *memSessionRepo) UpdateSession(s *model.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *memSessionRepo) ListSessionsByStatus(string) ([]model.UploadSession, error) {
	return nil, nil
}

func (m *memSessionRepo) ListExpiredSessions(time.Time) ([]model.UploadSession, error) {
	return nil, nil
}

func (m *memSessionRepo) CreateChunkRecord(*model.UploadChunk) error { return nil }

func (m *memSessionRepo) GetChunkRecord(string, int) (*model.UploadChunk, error) {
	return nil, gorm.ErrRecordNotFound
}

func (m *memSessionRepo) IsChunkUploaded(_ context.Context, sessionID string, chunkIndex int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitmap[sessionID][chunkIndex], nil
}

func (m *memSessionRepo) MarkChunkUploaded(_ context.Context, sessionID string, chunkIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bitmap[sessionID] == nil {
		m.bitmap[sessionID] = make(map[int]bool)
	}
	m.bitmap[sessionID][chunkIndex] = true
	return nil
}

func (m *memSessionRepo) GetUploadedChunks(_ context.Context, sessionID string, totalChunks int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0)
	for i := 0; i < totalChunks; i++ {
		if m.bitmap[sessionID][i] {
			out = append(out, i)
		}
	}
	return out, nil
}

func (m *memSessionRepo) DeleteUploadMark(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bitmap, sessionID)
	return nil
}

type memCatalogRepo struct {
	mu           sync.Mutex
	completed    map[string]bool
	reservations map[string]string
}

func newMemCatalogRepo() *memCatalogRepo {
	return &memCatalogRepo{
		completed:    make(map[string]bool),
		reservations: make(map[string]string),
	}
}

func (m *memCatalogRepo) HashExists(hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed[hash], nil
}

func (m *memCatalogRepo) ReserveHash(_ context.Context, hash, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.reservations[hash]; held {
		return false, nil
	}
	m.reservations[hash] = sessionID
	return true, nil
}

func (m *memCatalogRepo) ReleaseHash(_ context.Context, hash, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reservations[hash] == sessionID {
		delete(m.reservations, hash)
	}
	return nil
}

type pipelineFixture struct {
	processor   *Processor
	sessionRepo *memSessionRepo
	catalogRepo *memCatalogRepo
	chunks      *chunkstore.Store
	libraryDir  string
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	stagingDir := t.TempDir()
	libraryDir := t.TempDir()
	store, err := chunkstore.NewStore(stagingDir)
	require.NoError(t, err)

	sessionRepo := newMemSessionRepo()
	catalogRepo := newMemCatalogRepo()
	archiveCfg := config.ArchiveConfig{
		MaxCompressionRatio:   100.0,
		MaxEntryCount:         100,
		MaxTotalUncompressed:  64 << 20,
		ExtractTimeoutSeconds: 30,
	}
	processor := NewProcessor(
		sessionRepo, catalogRepo, store,
		archive.NewGuard(archiveCfg),
		broadcast.NewBroadcaster(),
		sessionlock.NewRegistry(),
		config.StorageConfig{StagingDir: stagingDir, LibraryDir: libraryDir},
		archiveCfg,
		config.MinIOConfig{},
	)
	return &pipelineFixture{
		processor:   processor,
		sessionRepo: sessionRepo,
		catalogRepo: catalogRepo,
		chunks:      store,
		libraryDir:  libraryDir,
	}
}

// seedProcessing 写入分片并创建一个已进入 PROCESSING 的会话。
func (fx *pipelineFixture) seedProcessing(t *testing.T, sessionID, fileName string, payload []byte, chunkSize int) *model.UploadSession {
	t.Helper()
	total := (len(payload) + chunkSize - 1) / chunkSize
	for i := 0; i < total; i++ {
		end := (i + 1) * chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		_, _, err := fx.chunks.WriteChunk(sessionID, i, bytes.NewReader(payload[i*chunkSize:end]))
		require.NoError(t, err)
		require.NoError(t, fx.sessionRepo.MarkChunkUploaded(context.Background(), sessionID, i))
	}

	now := time.Now()
	session := &model.UploadSession{
		ID:                sessionID,
		FileName:          fileName,
		FileSize:          int64(len(payload)),
		DeclaredHash:      hashing.HashBytes(payload),
		ChunkSize:         int64(chunkSize),
		TotalChunks:       total,
		UploadedChunks:    total,
		Status:            model.StatusProcessing,
		Platform:          hashing.DetectPlatform(fileName),
		StagingPath:       fx.chunks.SessionDir(sessionID),
		ExpiresAt:         now.Add(time.Hour),
		ProcessingStarted: &now,
	}
	require.NoError(t, fx.sessionRepo.CreateSession(session))
	return session
}

func nesPayload(size int) []byte {
	payload := append([]byte{0x4e, 0x45, 0x53, 0x1a}, bytes.Repeat([]byte{0x42}, size-4)...)
	return payload
}

func TestProcessCompletesRom(t *testing.T) {
	fx := newPipelineFixture(t)
	payload := nesPayload(150)
	session := fx.seedProcessing(t, "sess-1", "mario.nes", payload, 64)

	err := fx.processor.Process(context.Background(), tasks.AssemblyTask{SessionID: session.ID, FileName: session.FileName})
	require.NoError(t, err)

	got, err := fx.sessionRepo.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, hashing.HashBytes(payload), got.WholeFileHash)
	assert.Equal(t, OutcomeNotArchive, got.ValidationOutcome)
	require.NotNil(t, got.ProcessingEnded)

	// 产物按平台落位且字节一致
	assert.Equal(t, filepath.Join(fx.libraryDir, "NES", "mario.nes"), got.FinalPath)
	final, err := os.ReadFile(got.FinalPath)
	require.NoError(t, err)
	assert.Equal(t, payload, final)

	// 暂存与位图已回收
	assert.False(t, fx.chunks.SessionDirExists(session.ID))
	indexes, err := fx.sessionRepo.GetUploadedChunks(context.Background(), session.ID, got.TotalChunks)
	require.NoError(t, err)
	assert.Empty(t, indexes)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(got.Metadata), &meta))
	assert.Equal(t, got.WholeFileHash, meta["sha256"])
	assert.Equal(t, "NES", meta["platform"])
}

func TestProcessIntegrityFailure(t *testing.T) {
	fx := newPipelineFixture(t)
	payload := nesPayload(150)
	session := fx.seedProcessing(t, "sess-1", "mario.nes", payload, 64)

	// 声明另一个哈希，拼接结果对不上
	session.DeclaredHash = hashing.HashBytes([]byte("something else"))
	require.NoError(t, fx.sessionRepo.UpdateSession(session))

	err := fx.processor.Process(context.Background(), tasks.AssemblyTask{SessionID: session.ID, FileName: session.FileName})
	require.Error(t, err)

	got, err := fx.sessionRepo.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.ProcessingError, "哈希不匹配")
	assert.Empty(t, got.FinalPath)
	assert.False(t, fx.chunks.SessionDirExists(session.ID))
}

func TestProcessSignatureMismatch(t *testing.T) {
	fx := newPipelineFixture(t)
	// .nes 扩展名但没有 NES 签名
	payload := bytes.Repeat([]byte{0x00}, 150)
	session := fx.seedProcessing(t, "sess-1", "mario.nes", payload, 64)

	err := fx.processor.Process(context.Background(), tasks.AssemblyTask{SessionID: session.ID, FileName: session.FileName})
	require.Error(t, err)

	got, err := fx.sessionRepo.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.ProcessingError, "签名与扩展名不符")
}

func TestProcessDuplicateWholeFileHash(t *testing.T) {
	fx := newPipelineFixture(t)
	payload := nesPayload(150)
	session := fx.seedProcessing(t, "sess-1", "mario.nes", payload, 64)

	// 未声明哈希的会话在装配后补做查重
	session.DeclaredHash = ""
	require.NoError(t, fx.sessionRepo.UpdateSession(session))
	fx.catalogRepo.completed[hashing.HashBytes(payload)] = true

	err := fx.processor.Process(context.Background(), tasks.AssemblyTask{SessionID: session.ID, FileName: session.FileName})
	require.Error(t, err)

	got, err := fx.sessionRepo.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.ProcessingError, "产物已存在")
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestProcessCompletesArchive(t *testing.T) {
	fx := newPipelineFixture(t)
	payload := buildZip(t, map[string][]byte{
		"mario.nes": nesPayload(64),
	})
	session := fx.seedProcessing(t, "sess-1", "mario.nes.zip", payload, 64)

	err := fx.processor.Process(context.Background(), tasks.AssemblyTask{SessionID: session.ID, FileName: session.FileName})
	require.NoError(t, err)

	got, err := fx.sessionRepo.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, OutcomePassed, got.ValidationOutcome)

	// 压缩包本身是入库产物，内层扩展决定平台
	assert.Equal(t, filepath.Join(fx.libraryDir, "NES", "mario.nes.zip"), got.FinalPath)
	final, err := os.ReadFile(got.FinalPath)
	require.NoError(t, err)
	assert.Equal(t, payload, final)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(got.Metadata), &meta))
	validation, ok := meta["validation"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, validation["valid"])
	assert.Equal(t, float64(1), validation["entryCount"])
}

func TestProcessRejectsUnsafeArchive(t *testing.T) {
	fx := newPipelineFixture(t)
	payload := buildZip(t, map[string][]byte{
		"../evil.nes": nesPayload(64),
	})
	session := fx.seedProcessing(t, "sess-1", "roms.zip", payload, 64)

	err := fx.processor.Process(context.Background(), tasks.AssemblyTask{SessionID: session.ID, FileName: session.FileName})
	require.Error(t, err)

	got, err := fx.sessionRepo.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.ProcessingError, "安全校验未通过")
	// 不入库
	entries, err := os.ReadDir(fx.libraryDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessSkipsNonProcessingSession(t *testing.T) {
	fx := newPipelineFixture(t)
	payload := nesPayload(150)
	session := fx.seedProcessing(t, "sess-1", "mario.nes", payload, 64)

	session.Status = model.StatusCancelled
	require.NoError(t, fx.sessionRepo.UpdateSession(session))

	err := fx.processor.Process(context.Background(), tasks.AssemblyTask{SessionID: session.ID, FileName: session.FileName})
	require.NoError(t, err)

	got, err := fx.sessionRepo.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Empty(t, got.FinalPath)
}

func TestProcessUniqueFinalPath(t *testing.T) {
	fx := newPipelineFixture(t)
	// 先放一个同名产物
	require.NoError(t, os.MkdirAll(filepath.Join(fx.libraryDir, "NES"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fx.libraryDir, "NES", "mario.nes"), []byte("old"), 0o644))

	payload := nesPayload(150)
	session := fx.seedProcessing(t, "sess-1", "mario.nes", payload, 64)

	err := fx.processor.Process(context.Background(), tasks.AssemblyTask{SessionID: session.ID, FileName: session.FileName})
	require.NoError(t, err)

	got, err := fx.sessionRepo.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fx.libraryDir, "NES", "mario_1.nes"), got.FinalPath)
	// 原有产物未被覆盖
	old, err := os.ReadFile(filepath.Join(fx.libraryDir, "NES", "mario.nes"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), old)
}

func TestProcessReleasesHashReservation(t *testing.T) {
	fx := newPipelineFixture(t)
	payload := nesPayload(150)
	session := fx.seedProcessing(t, "sess-1", "mario.nes", payload, 64)
	fx.catalogRepo.reservations[session.DeclaredHash] = session.ID

	err := fx.processor.Process(context.Background(), tasks.AssemblyTask{SessionID: session.ID, FileName: session.FileName})
	require.NoError(t, err)
	assert.NotContains(t, fx.catalogRepo.reservations, session.DeclaredHash)
}

func TestDirectDispatcherRuns(t *testing.T) {
	fx := newPipelineFixture(t)
	payload := nesPayload(150)
	session := fx.seedProcessing(t, "sess-1", "mario.nes", payload, 64)

	d := NewDirectDispatcher(fx.processor)
	require.NoError(t, d.Dispatch(context.Background(), tasks.AssemblyTask{SessionID: session.ID, FileName: session.FileName}))

	require.Eventually(t, func() bool {
		got, err := fx.sessionRepo.GetSession(session.ID)
		if err != nil {
			return false
		}
		return got.Status == model.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}
