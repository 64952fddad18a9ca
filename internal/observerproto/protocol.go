// Package observerproto is the JSON websocket protocol between the viewer
// server and a remote renderer. The renderer sends its camera; the server
// streams chunk primitives and visibility changes back.
package observerproto

import (
	"voxelview.ai/internal/manifest"
)

const Version = "1.0"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeCamera    = "CAMERA"

	TypeWelcome         = "WELCOME"
	TypeStatus          = "STATUS"
	TypeChunkMesh       = "CHUNK_MESH"
	TypeChunkInstances  = "CHUNK_INSTANCES"
	TypeChunkVisibility = "CHUNK_VISIBILITY"
	TypeChunkEvict      = "CHUNK_EVICT"
	TypeFrame           = "FRAME"
)

const (
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"
	ErrManifest        = "E_MANIFEST"
	ErrBusy            = "E_BUSY"
	ErrInternal        = "E_INTERNAL"
)

// Buffer encodings.
const (
	EncodingF32LE = "F32LE_B64" // base64 of little-endian float32s
	EncodingU32LE = "U32LE_B64" // base64 of little-endian uint32s
	EncodingRuns  = "RUNS_B64"  // base64 of uvarint (palette index, run length) pairs
)

// Client -> Server. First message on the connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Optional overrides of the server defaults.
	Builder string `json:"builder,omitempty"`
	Edges   *bool  `json:"edges,omitempty"`

	Camera *CameraMsg `json:"camera,omitempty"`
}

// Client -> Server. Current camera pose; may be sent every frame.
type CameraMsg struct {
	Type  string     `json:"type"`
	Pos   [3]float64 `json:"pos"`
	Yaw   float64    `json:"yaw"`
	Pitch float64    `json:"pitch"`
}

// HTTP response for GET /v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion     string                  `json:"protocol_version"`
	Status              string                  `json:"status"`
	BaseVoxelSize       float64                 `json:"base_voxel_size"`
	ChunkDimension      int                     `json:"chunk_dimension"`
	Levels              []manifest.LevelSummary `json:"levels"`
	LODRanges           map[string][2]float64   `json:"lod_ranges"`
	Palette             []string                `json:"palette"`
	Builder             string                  `json:"builder"`
	Edges               bool                    `json:"edges"`
	SchedulerIntervalMs int                     `json:"scheduler_interval_ms"`
	FrameRateHz         int                     `json:"frame_rate_hz"`
}

// Server -> Client. Reply to SUBSCRIBE.
type WelcomeMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	SessionID       string            `json:"session_id"`
	Bootstrap       BootstrapResponse `json:"bootstrap"`
}

type StatusMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
}

// Server -> Client. Face-culled mesh of one chunk. Positions and normals
// are xyz triples, indices are triangles, edges are segment endpoint pairs.
type ChunkMeshMsg struct {
	Type      string  `json:"type"`
	Level     int     `json:"level"`
	ChunkID   string  `json:"chunk_id"`
	VoxelSize float64 `json:"voxel_size"`
	Faces     int     `json:"faces"`
	Color     string  `json:"color"`
	Visible   bool    `json:"visible"`

	Encoding      string `json:"encoding"`
	Positions     string `json:"positions"`
	Normals       string `json:"normals"`
	IndexEncoding string `json:"index_encoding"`
	Indices       string `json:"indices"`
	Edges         string `json:"edges,omitempty"`
}

// Server -> Client. Per-voxel instances of one chunk. Each instance is a
// unit cube scaled by voxel_size and centered on its center triple.
type ChunkInstancesMsg struct {
	Type      string  `json:"type"`
	Level     int     `json:"level"`
	ChunkID   string  `json:"chunk_id"`
	VoxelSize float64 `json:"voxel_size"`
	Count     int     `json:"count"`
	Visible   bool    `json:"visible"`

	Encoding      string `json:"encoding"`
	Centers       string `json:"centers"`
	ColorEncoding string `json:"color_encoding"`
	Colors        string `json:"colors"`
}

type ChunkVisibilityMsg struct {
	Type    string `json:"type"`
	Level   int    `json:"level"`
	ChunkID string `json:"chunk_id"`
	Visible bool   `json:"visible"`
}

type ChunkEvictMsg struct {
	Type    string `json:"type"`
	Level   int    `json:"level"`
	ChunkID string `json:"chunk_id"`
}

// Server -> Client. One per drawn frame.
type FrameMsg struct {
	Type     string     `json:"type"`
	Frame    uint64     `json:"frame"`
	Tick     uint64     `json:"tick"`
	Pos      [3]float64 `json:"pos"`
	Visible  int        `json:"visible"`
	Resident int        `json:"resident"`
	Loading  int        `json:"loading"`
}

// HTTP response for GET /v1/stats.
type StatsResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	SessionsActive  int64  `json:"sessions_active"`
	SessionsTotal   uint64 `json:"sessions_total"`
	Frames          uint64 `json:"frames"`
	Fetches         uint64 `json:"fetches"`
	Failures        uint64 `json:"failures"`
	Released        uint64 `json:"released"`
	BytesFetched    uint64 `json:"bytes_fetched"`

	// Present when the server keeps a load index.
	Index *IndexStats `json:"index,omitempty"`
	// Present when the request names ?session=<id>.
	Session *SessionStats `json:"session,omitempty"`
}

type IndexStats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DroppedTotal  uint64 `json:"dropped_total"`

	// Committed load outcomes over every session.
	Outcomes      map[string]int `json:"outcomes,omitempty"`
	FailingChunks []FailingChunk `json:"failing_chunks,omitempty"`
	Error         string         `json:"error,omitempty"`
}

type FailingChunk struct {
	Level    int    `json:"level"`
	ChunkID  string `json:"chunk_id"`
	Failures int    `json:"failures"`
	LastErr  string `json:"last_err,omitempty"`
}

// SessionStats is one indexed session with its load outcomes.
type SessionStats struct {
	ID           string         `json:"id"`
	Found        bool           `json:"found"`
	Source       string         `json:"source,omitempty"`
	StartedAt    string         `json:"started_at,omitempty"`
	EndedAt      string         `json:"ended_at,omitempty"`
	Ticks        uint64         `json:"ticks"`
	Frames       uint64         `json:"frames"`
	Fetches      uint64         `json:"fetches"`
	Failures     uint64         `json:"failures"`
	PeakResident int            `json:"peak_resident"`
	Outcomes     map[string]int `json:"outcomes,omitempty"`
}
