package ws

import (
	"encoding/json"
	"log"

	"github.com/coderoom/backend/internal/document"
)

// Inbound message types.
const (
	TypeCodeChange = "CODE_CHANGE"
	TypeFileCreate = "FILE_CREATE"
	TypeFileSave   = "FILE_SAVE"
	TypeCursorMove = "CURSOR_MOVE"
)

// Outbound message types.
const (
	TypeUsersList  = "USERS_LIST"
	TypeUserJoined = "USER_JOINED"
	TypeUserLeft   = "USER_LEFT"
	TypeCodeUpdate = "CODE_UPDATE"
	TypeFileChange = "FILE_CHANGE"
	TypeError      = "ERROR"
)

// Error codes sent back to the originating connection only.
const (
	CodeInvalidName      = "INVALID_NAME"
	CodeDuplicateName    = "DUPLICATE_NAME"
	CodeNotFound         = "NOT_FOUND"
	CodeStaleBase        = "STALE_BASE"
	CodeMalformedMessage = "MALFORMED_MESSAGE"
	CodeInternal         = "INTERNAL"
)

// ClientMessage is the single inbound shape; fields are populated per type.
type ClientMessage struct {
	Type        string            `json:"type"`
	FileID      string            `json:"fileId,omitempty"`
	Content     string            `json:"content,omitempty"`
	BaseVersion uint64            `json:"baseVersion,omitempty"`
	File        *FilePayload      `json:"file,omitempty"`
	Operation   *OperationPayload `json:"operation,omitempty"`
	Position    int               `json:"position,omitempty"`
}

// FilePayload describes a file to create.
type FilePayload struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

// OperationPayload is the fine-grained edit descriptor; when absent,
// CODE_CHANGE is a full-content replacement.
type OperationPayload struct {
	Type     string `json:"type"` // INSERT or DELETE
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type usersListMsg struct {
	Type  string     `json:"type"`
	Users []UserInfo `json:"users"`
}

type userJoinedMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

type userLeftMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type codeUpdateMsg struct {
	Type    string `json:"type"`
	FileID  string `json:"fileId"`
	Content string `json:"content"`
	Version uint64 `json:"version"`
}

type fileChangeMsg struct {
	Type  string              `json:"type"`
	Files []document.FileInfo `json:"files"`
}

type cursorMoveMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	FileID   string `json:"fileId"`
	Position int    `json:"position"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeUpdate builds the authoritative update payload, for callers outside
// the gateway (the restore endpoint).
func CodeUpdate(fileID, content string, version uint64) []byte {
	return marshal(codeUpdateMsg{Type: TypeCodeUpdate, FileID: fileID, Content: content, Version: version})
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Error encoding message: %v", err)
		return nil
	}
	return data
}
