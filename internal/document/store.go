package document

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderoom/backend/internal/db"
	docsync "github.com/coderoom/backend/internal/sync"
)

var (
	// ErrInvalidName rejects empty file names.
	ErrInvalidName = errors.New("file name must not be empty")

	// ErrDuplicateName is returned when a room already has a file with
	// that name.
	ErrDuplicateName = errors.New("file name already exists in room")

	// ErrNotFound is returned for unknown rooms or files.
	ErrNotFound = errors.New("file not found")
)

// FileInfo is a read snapshot of one document.
type FileInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Language  string    `json:"language"`
	Content   string    `json:"content"`
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

type fileMeta struct {
	id        string
	name      string
	language  string
	createdAt time.Time

	// opsSinceCheckpoint drives auto-checkpointing; guarded by Store.mu.
	opsSinceCheckpoint int
}

// Options tune checkpointing behavior.
type Options struct {
	// AutoCheckpointEvery checkpoints a file after this many accepted
	// operations. Zero disables auto-checkpointing.
	AutoCheckpointEvery int

	// CheckpointRetention caps retained auto checkpoints per file.
	CheckpointRetention int
}

func DefaultOptions() Options {
	return Options{
		AutoCheckpointEvery: 100,
		CheckpointRetention: 20,
	}
}

// Store owns file metadata per room and fronts the synchronization engine,
// which is the only writer of content and versions. Checkpoints go to
// SQLite and outlive room disposal.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]*fileMeta
	engine   *docsync.Engine
	database *db.Database
	opts     Options
}

func New(engine *docsync.Engine, database *db.Database, opts Options) *Store {
	return &Store{
		rooms:    make(map[string]map[string]*fileMeta),
		engine:   engine,
		database: database,
		opts:     opts,
	}
}

// CreateFile adds an empty version-0 document to the room.
func (s *Store) CreateFile(roomID, name, language string) (FileInfo, error) {
	if name == "" {
		return FileInfo{}, ErrInvalidName
	}

	s.mu.Lock()
	files, ok := s.rooms[roomID]
	if !ok {
		files = make(map[string]*fileMeta)
		s.rooms[roomID] = files
	}
	for _, meta := range files {
		if meta.name == name {
			s.mu.Unlock()
			return FileInfo{}, ErrDuplicateName
		}
	}
	meta := &fileMeta{
		id:        uuid.NewString(),
		name:      name,
		language:  language,
		createdAt: time.Now(),
	}
	files[meta.id] = meta
	s.mu.Unlock()

	s.engine.Open(roomID, meta.id, "", 0)

	if s.database != nil {
		if err := s.database.UpsertFile(roomID, meta.id, name, language); err != nil {
			log.Printf("Failed to persist file %s/%s: %v", roomID, name, err)
		}
	}

	return FileInfo{
		ID:        meta.id,
		Name:      meta.name,
		Language:  meta.language,
		CreatedAt: meta.createdAt,
	}, nil
}

func (s *Store) meta(roomID, fileID string) (*fileMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	meta, ok := files[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	return meta, nil
}

// Get returns a consistent snapshot of one document.
func (s *Store) Get(ctx context.Context, roomID, fileID string) (FileInfo, error) {
	meta, err := s.meta(roomID, fileID)
	if err != nil {
		return FileInfo{}, err
	}

	snap, err := s.engine.Snapshot(ctx, roomID, fileID)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		ID:        meta.id,
		Name:      meta.name,
		Language:  meta.language,
		Content:   snap.Content,
		Version:   snap.Version,
		CreatedAt: meta.createdAt,
	}, nil
}

// List returns snapshots of the room's files in creation order.
func (s *Store) List(ctx context.Context, roomID string) ([]FileInfo, error) {
	s.mu.RLock()
	files, ok := s.rooms[roomID]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	metas := make([]*fileMeta, 0, len(files))
	for _, meta := range files {
		metas = append(metas, meta)
	}
	s.mu.RUnlock()

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].createdAt.Equal(metas[j].createdAt) {
			return metas[i].id < metas[j].id
		}
		return metas[i].createdAt.Before(metas[j].createdAt)
	})

	infos := make([]FileInfo, 0, len(metas))
	for _, meta := range metas {
		snap, err := s.engine.Snapshot(ctx, roomID, meta.id)
		if err != nil {
			continue
		}
		infos = append(infos, FileInfo{
			ID:        meta.id,
			Name:      meta.name,
			Language:  meta.language,
			Content:   snap.Content,
			Version:   snap.Version,
			CreatedAt: meta.createdAt,
		})
	}
	return infos, nil
}

// Apply routes an operation through the file's sequencer.
func (s *Store) Apply(ctx context.Context, op docsync.Operation) (docsync.Result, error) {
	if _, err := s.meta(op.RoomID, op.FileID); err != nil {
		return docsync.Result{}, err
	}

	result, err := s.engine.Apply(ctx, op)
	if err != nil {
		return docsync.Result{}, err
	}

	s.maybeAutoCheckpoint(op.RoomID, op.FileID, result)
	return result, nil
}

func (s *Store) maybeAutoCheckpoint(roomID, fileID string, result docsync.Result) {
	if s.opts.AutoCheckpointEvery <= 0 || s.database == nil {
		return
	}

	s.mu.Lock()
	meta, ok := s.rooms[roomID][fileID]
	if !ok {
		s.mu.Unlock()
		return
	}
	meta.opsSinceCheckpoint++
	due := meta.opsSinceCheckpoint >= s.opts.AutoCheckpointEvery
	if due {
		meta.opsSinceCheckpoint = 0
	}
	s.mu.Unlock()

	if !due {
		return
	}
	if _, err := s.database.SaveCheckpoint(roomID, fileID, result.Content, result.Version, "", true); err != nil {
		log.Printf("Auto checkpoint failed for %s/%s: %v", roomID, fileID, err)
		return
	}
	if err := s.database.DeleteOldAutoCheckpoints(roomID, fileID, s.opts.CheckpointRetention); err != nil {
		log.Printf("Checkpoint pruning failed for %s/%s: %v", roomID, fileID, err)
	}
}

// Save is the explicit checkpoint: the content lands unconditionally
// through the sequencer (so reads after Save observe it) and is persisted.
func (s *Store) Save(ctx context.Context, roomID, fileID, content, savedBy string) (docsync.Result, error) {
	if _, err := s.meta(roomID, fileID); err != nil {
		return docsync.Result{}, err
	}

	result, err := s.engine.ForceReplace(ctx, roomID, fileID, content)
	if err != nil {
		return docsync.Result{}, err
	}

	if s.database != nil {
		if _, err := s.database.SaveCheckpoint(roomID, fileID, result.Content, result.Version, savedBy, false); err != nil {
			log.Printf("Checkpoint persist failed for %s/%s: %v", roomID, fileID, err)
		}
	}
	return result, nil
}

// Restore loads a persisted checkpoint back into the live document.
func (s *Store) Restore(ctx context.Context, roomID, fileID string, checkpointID int) (docsync.Result, error) {
	if _, err := s.meta(roomID, fileID); err != nil {
		return docsync.Result{}, err
	}
	if s.database == nil {
		return docsync.Result{}, ErrNotFound
	}

	checkpoint, err := s.database.GetCheckpoint(checkpointID)
	if err != nil {
		return docsync.Result{}, err
	}
	if checkpoint == nil || checkpoint.RoomID != roomID || checkpoint.FileID != fileID {
		return docsync.Result{}, ErrNotFound
	}

	return s.engine.ForceReplace(ctx, roomID, fileID, checkpoint.Content)
}

// DisposeRoom drops the room's live documents and stops their sequencers.
// Persisted checkpoints are untouched.
func (s *Store) DisposeRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()

	s.engine.CloseRoom(roomID)
}
