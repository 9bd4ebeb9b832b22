package db

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type File struct {
	RoomID    string    `json:"room_id"`
	FileID    string    `json:"file_id"`
	Name      string    `json:"name"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
}

type Checkpoint struct {
	ID        int       `json:"id"`
	RoomID    string    `json:"room_id"`
	FileID    string    `json:"file_id"`
	Content   string    `json:"content"`
	Version   uint64    `json:"version"`
	SavedBy   string    `json:"saved_by"`
	IsAuto    bool      `json:"is_auto"` // Auto-checkpointed vs explicit save
	CreatedAt time.Time `json:"created_at"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS files (
		room_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		name TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, file_id),
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_files_room_id ON files(room_id);

	-- Checkpoints intentionally carry no room foreign key: they must
	-- survive room deletion so a recreated room can restore from them.
	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		content TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		saved_by TEXT DEFAULT '',
		is_auto BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_file ON checkpoints(room_id, file_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) CreateRoom(id, name string) error {
	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)",
		id, name,
	)
	return err
}

func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow(
		"SELECT id, name, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(
		"SELECT id, name, created_at, updated_at FROM rooms ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (d *Database) TouchRoom(id string) error {
	_, err := d.db.Exec(
		"UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		id,
	)
	return err
}

func (d *Database) DeleteRoom(id string) error {
	if _, err := d.db.Exec("DELETE FROM files WHERE room_id = ?", id); err != nil {
		return err
	}
	_, err := d.db.Exec("DELETE FROM rooms WHERE id = ?", id)
	return err
}

// File operations

func (d *Database) UpsertFile(roomID, fileID, name, language string) error {
	// Ensure room exists
	if err := d.CreateRoom(roomID, ""); err != nil {
		return err
	}

	_, err := d.db.Exec(`
		INSERT INTO files (room_id, file_id, name, language) VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, file_id) DO UPDATE SET
			name = excluded.name,
			language = excluded.language
	`, roomID, fileID, name, language)
	if err != nil {
		return err
	}

	return d.TouchRoom(roomID)
}

func (d *Database) ListFiles(roomID string) ([]File, error) {
	rows, err := d.db.Query(
		"SELECT room_id, file_id, name, language, created_at FROM files WHERE room_id = ? ORDER BY created_at ASC",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.RoomID, &f.FileID, &f.Name, &f.Language, &f.CreatedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Checkpoint operations

// SaveCheckpoint stores a full-content checkpoint for a file.
func (d *Database) SaveCheckpoint(roomID, fileID, content string, version uint64, savedBy string, isAuto bool) (*Checkpoint, error) {
	result, err := d.db.Exec(`
		INSERT INTO checkpoints (room_id, file_id, content, version, saved_by, is_auto)
		VALUES (?, ?, ?, ?, ?, ?)
	`, roomID, fileID, content, version, savedBy, isAuto)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := d.TouchRoom(roomID); err != nil {
		return nil, err
	}

	return d.GetCheckpoint(int(id))
}

// GetCheckpoint retrieves a specific checkpoint by ID
func (d *Database) GetCheckpoint(id int) (*Checkpoint, error) {
	row := d.db.QueryRow(`
		SELECT id, room_id, file_id, content, version, saved_by, is_auto, created_at
		FROM checkpoints WHERE id = ?
	`, id)

	var c Checkpoint
	err := row.Scan(&c.ID, &c.RoomID, &c.FileID, &c.Content, &c.Version, &c.SavedBy, &c.IsAuto, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCheckpoints returns checkpoints for a file, newest first
func (d *Database) ListCheckpoints(roomID, fileID string, limit, offset int) ([]Checkpoint, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, file_id, content, version, saved_by, is_auto, created_at
		FROM checkpoints
		WHERE room_id = ? AND file_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, roomID, fileID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.ID, &c.RoomID, &c.FileID, &c.Content, &c.Version, &c.SavedBy, &c.IsAuto, &c.CreatedAt); err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, c)
	}
	return checkpoints, rows.Err()
}

// GetLatestCheckpoint returns the most recent checkpoint for a file
func (d *Database) GetLatestCheckpoint(roomID, fileID string) (*Checkpoint, error) {
	row := d.db.QueryRow(`
		SELECT id, room_id, file_id, content, version, saved_by, is_auto, created_at
		FROM checkpoints
		WHERE room_id = ? AND file_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, roomID, fileID)

	var c Checkpoint
	err := row.Scan(&c.ID, &c.RoomID, &c.FileID, &c.Content, &c.Version, &c.SavedBy, &c.IsAuto, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteOldAutoCheckpoints removes old auto checkpoints, keeping the most recent N
func (d *Database) DeleteOldAutoCheckpoints(roomID, fileID string, keepCount int) error {
	_, err := d.db.Exec(`
		DELETE FROM checkpoints
		WHERE room_id = ? AND file_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM checkpoints
			WHERE room_id = ? AND file_id = ? AND is_auto = TRUE
			ORDER BY id DESC
			LIMIT ?
		)
	`, roomID, fileID, roomID, fileID, keepCount)
	return err
}

func (d *Database) GetCheckpointCount(roomID, fileID string) (int, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM checkpoints WHERE room_id = ? AND file_id = ?",
		roomID, fileID,
	).Scan(&count)
	return count, err
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var fileCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&fileCount); err != nil {
		return nil, err
	}
	stats["file_count"] = fileCount

	var checkpointCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM checkpoints").Scan(&checkpointCount); err != nil {
		return nil, err
	}
	stats["checkpoint_count"] = checkpointCount

	return stats, nil
}
